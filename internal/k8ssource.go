package internal

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"go.eggybyte.com/layerx/errors"
	"go.eggybyte.com/layerx/log"
)

// K8sOptions configures the Kubernetes ConfigMap source.
type K8sOptions struct {
	Namespace string               // Kubernetes namespace (default: "default")
	Client    kubernetes.Interface // Injected client; in-cluster config when nil
	Logger    log.Logger
}

// K8sConfigMapSource loads configuration from a Kubernetes ConfigMap and
// pushes a fresh snapshot whenever the ConfigMap changes. A deleted
// ConfigMap pushes an empty snapshot so the layer relinquishes its keys.
type K8sConfigMapSource struct {
	name      string
	namespace string
	logger    log.Logger
	client    kubernetes.Interface
}

// NewK8sConfigMapSource creates a new ConfigMap source.
func NewK8sConfigMapSource(name string, opts K8sOptions) *K8sConfigMapSource {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	return &K8sConfigMapSource{
		name:      name,
		namespace: namespace,
		logger:    logger,
		client:    opts.Client,
	}
}

// Name identifies the source in logs.
func (s *K8sConfigMapSource) Name() string {
	return "configmap:" + s.namespace + "/" + s.name
}

func (s *K8sConfigMapSource) ensureClient() error {
	if s.client != nil {
		return nil
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "layerx.k8s", err)
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "layerx.k8s", err)
	}

	s.client = client
	return nil
}

// Load reads the ConfigMap's data. A missing ConfigMap loads as an empty
// snapshot; it may appear later and arrive through Watch.
func (s *K8sConfigMapSource) Load(ctx context.Context) (map[string]string, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}

	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return make(map[string]string), nil
		}
		return nil, errors.Wrapf(errors.CodeUnavailable, "layerx.k8s", err, "get configmap %s/%s", s.namespace, s.name)
	}

	data := make(map[string]string, len(cm.Data))
	for k, v := range cm.Data {
		data[k] = v
	}
	return data, nil
}

// Watch opens a Kubernetes watch on the ConfigMap and republishes its data
// on every add/modify, recreating the watch on failure.
func (s *K8sConfigMapSource) Watch(ctx context.Context) (<-chan map[string]string, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}

	ch := make(chan map[string]string, 1)
	go func() {
		defer close(ch)
		s.watchLoop(ctx, ch)
	}()
	return ch, nil
}

func (s *K8sConfigMapSource) watchLoop(ctx context.Context, ch chan<- map[string]string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		watcher, err := s.client.CoreV1().ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", s.name),
		})
		if err != nil {
			s.logger.Error(err, "failed to watch ConfigMap",
				log.Str("name", s.name),
				log.Str("namespace", s.namespace))

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		s.consumeEvents(ctx, watcher, ch)

		// Recreate the watch after the server ends it.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *K8sConfigMapSource) consumeEvents(ctx context.Context, watcher watch.Interface, ch chan<- map[string]string) {
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.ResultChan():
			if !ok {
				s.logger.Warn("ConfigMap watch channel closed",
					log.Str("name", s.name),
					log.Str("namespace", s.namespace))
				return
			}

			var snapshot map[string]string
			switch event.Type {
			case watch.Added, watch.Modified:
				cm, ok := event.Object.(*corev1.ConfigMap)
				if !ok {
					continue
				}
				snapshot = make(map[string]string, len(cm.Data))
				for k, v := range cm.Data {
					snapshot[k] = v
				}
			case watch.Deleted:
				snapshot = make(map[string]string)
			default:
				continue
			}

			select {
			case ch <- snapshot:
			case <-ctx.Done():
				return
			}
		}
	}
}
