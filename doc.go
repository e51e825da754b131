// Package layerx is a layered, dynamically-updatable key/value configuration
// engine.
//
// # Overview
//
// layerx arbitrates effective values across priority-ranked sources (env,
// files, Kubernetes ConfigMaps, a NATS config bus, or custom sources): for
// every key, the highest-priority layer that defines it owns the effective
// value, and when that layer stops defining the key, control falls through
// to the next most authoritative layer that still does. Each source's
// refresh is diffed against its previous snapshot, so only real changes
// reach the engine.
//
// Changes are delivered to subscribers asynchronously through a per-entity
// epoch sequence: a subscriber never observes a value older than one it has
// already received, duplicate notifications for unchanged values are
// suppressed, and bursts of updates coalesce into the latest value.
//
// # Features
//
//   - Per-key ownership arbitration with fallthrough on relinquish
//   - Epoch-based staleness suppression and coalesced async delivery
//   - Typed props with decoding, defaults, and validator tags
//   - Type-safe struct binding via env/default tags with hot re-bind
//   - Env, file (fsnotify or polling), NATS, and Kubernetes ConfigMap sources
//   - Thread-safe reads that never block writers
//
// # Usage
//
//	reg, err := layerx.New(ctx, layerx.Options{
//		Logger: log.New(),
//		Sources: []layerx.Source{
//			layerx.NewFileSource("config.yaml", layerx.FileOptions{}),
//			layerx.NewEnvSource(layerx.EnvOptions{Prefix: "APP_"}),
//		},
//	})
//	if err != nil { panic(err) }
//
//	port := layerx.NewProp[int]("server.port",
//		layerx.WithDefault[int](8080),
//		layerx.WithValidation[int]("gte=1,lte=65535"))
//	if err := reg.Bind(port); err != nil { panic(err) }
//	port.OnUpdate(func(p int) { /* react */ })
//
// # Stability
//
// Stable since v0.1.0. Backward-compatible API changes may occur with minor
// versions.
package layerx
