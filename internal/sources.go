package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"go.eggybyte.com/layerx/errors"
	"go.eggybyte.com/layerx/log"
)

// EnvOptions configures environment variable source behavior.
type EnvOptions struct {
	Prefix    string // Prefix filter for environment variables (e.g., "APP_")
	Lowercase bool   // Convert keys to lowercase
	Uppercase bool   // Convert keys to uppercase
}

// EnvSource loads configuration from environment variables. The process
// environment is static, so Watch never pushes.
type EnvSource struct {
	prefix    string
	lowercase bool
	uppercase bool
}

// NewEnvSource creates a new environment variable source.
func NewEnvSource(opts EnvOptions) *EnvSource {
	return &EnvSource{
		prefix:    opts.Prefix,
		lowercase: opts.Lowercase,
		uppercase: opts.Uppercase,
	}
}

// Name identifies the source in logs.
func (s *EnvSource) Name() string {
	return "env"
}

// Load reads configuration from environment variables.
func (s *EnvSource) Load(ctx context.Context) (map[string]string, error) {
	config := make(map[string]string)

	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		if s.prefix != "" {
			if !strings.HasPrefix(key, s.prefix) {
				continue
			}
			key = strings.TrimPrefix(key, s.prefix)
		}

		if s.lowercase {
			key = strings.ToLower(key)
		} else if s.uppercase {
			key = strings.ToUpper(key)
		}

		config[key] = value
	}

	return config, nil
}

// Watch returns a channel that never sends; it closes when ctx is done.
func (s *EnvSource) Watch(ctx context.Context) (<-chan map[string]string, error) {
	ch := make(chan map[string]string)
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}

// FileOptions configures file source behavior.
type FileOptions struct {
	Format       string        // File format: "json" or "yaml" (default: by extension)
	PollInterval time.Duration // Poll instead of fsnotify when > 0
	Debounce     time.Duration // Quiet period after an fsnotify event (default: 100ms)
	Logger       log.Logger    // Logger for watch errors
}

// FileSource loads configuration from a YAML or JSON file. Nested documents
// are flattened into dotted keys ("db.pool.max"). Missing files load as
// empty snapshots so a file appearing later just becomes a layer refresh.
type FileSource struct {
	path     string
	format   string
	interval time.Duration
	debounce time.Duration
	logger   log.Logger
}

// NewFileSource creates a new file source.
func NewFileSource(path string, opts FileOptions) *FileSource {
	format := opts.Format
	if format == "" {
		format = detectFileFormat(path)
	}

	debounce := opts.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	return &FileSource{
		path:     path,
		format:   format,
		interval: opts.PollInterval,
		debounce: debounce,
		logger:   logger,
	}
}

// Name identifies the source in logs.
func (s *FileSource) Name() string {
	return "file:" + filepath.Base(s.path)
}

// Load reads and parses the configuration file.
func (s *FileSource) Load(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, errors.Wrapf(errors.CodeUnavailable, "layerx.file", err, "read %s", s.path)
	}

	return ParseSnapshot(data, s.format)
}

// Watch monitors the file for changes, via fsnotify by default or by mtime
// polling when PollInterval is set.
func (s *FileSource) Watch(ctx context.Context) (<-chan map[string]string, error) {
	if s.interval > 0 {
		return s.watchPoll(ctx), nil
	}
	return s.watchNotify(ctx)
}

// watchNotify watches the containing directory so editors that replace the
// file (rename-over) are still observed.
func (s *FileSource) watchNotify(ctx context.Context) (<-chan map[string]string, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "layerx.file", err)
	}

	dir := filepath.Dir(s.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(errors.CodeUnavailable, "layerx.file", err, "watch %s", dir)
	}

	ch := make(chan map[string]string)
	go func() {
		defer close(ch)
		defer fsw.Close()

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !s.isRelevantEvent(event) {
					continue
				}

				// Quiet period: a save often produces several events.
				if timer == nil {
					timer = time.NewTimer(s.debounce)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timerC:
						default:
						}
					}
					timer.Reset(s.debounce)
				}

			case <-timerC:
				snapshot, err := s.Load(ctx)
				if err != nil {
					s.logger.Error(err, "failed to reload file", log.Str("path", s.path))
					continue
				}
				select {
				case ch <- snapshot:
				case <-ctx.Done():
					return
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Error(err, "file watch error", log.Str("path", s.path))
			}
		}
	}()

	return ch, nil
}

// watchPoll checks the file's mtime on a fixed interval.
func (s *FileSource) watchPoll(ctx context.Context) <-chan map[string]string {
	ch := make(chan map[string]string)
	go func() {
		defer close(ch)

		var lastModTime time.Time
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(s.path)
				if err != nil {
					if !os.IsNotExist(err) {
						s.logger.Error(err, "failed to stat file", log.Str("path", s.path))
					}
					continue
				}

				if info.ModTime().After(lastModTime) {
					lastModTime = info.ModTime()

					snapshot, err := s.Load(ctx)
					if err != nil {
						s.logger.Error(err, "failed to reload file", log.Str("path", s.path))
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
	}()
	return ch
}

func (s *FileSource) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(s.path)
}

// detectFileFormat detects the file format from the extension.
func detectFileFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// ParseSnapshot parses raw file or message content into a flat snapshot.
func ParseSnapshot(data []byte, format string) (map[string]string, error) {
	var doc map[string]any

	switch format {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(errors.CodeInvalidArgument, "layerx.parse", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(errors.CodeInvalidArgument, "layerx.parse", err)
		}
	default:
		return nil, errors.Newf(errors.CodeInvalidArgument, "unsupported format: %s", format)
	}

	snapshot := make(map[string]string)
	flattenInto(snapshot, "", doc)
	return snapshot, nil
}

// flattenInto converts a nested document into dotted scalar keys.
// "db: {pool: {max: 10}}" becomes "db.pool.max" -> "10".
func flattenInto(out map[string]string, prefix string, doc map[string]any) {
	for k, v := range doc {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		switch child := v.(type) {
		case map[string]any:
			flattenInto(out, key, child)
		case map[any]any:
			converted := make(map[string]any, len(child))
			for ck, cv := range child {
				converted[fmt.Sprint(ck)] = cv
			}
			flattenInto(out, key, converted)
		case nil:
			// A null value does not define the key.
		default:
			out[key] = scalarString(child)
		}
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, scalarString(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}
