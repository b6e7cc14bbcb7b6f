package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/internal/notify"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// KeySyncEnabled is the preference key inside the settings file.
const KeySyncEnabled = "sync.enabled"

// File keeps the preference in a YAML file and follows edits made to it by
// other processes.
type File struct {
	path   string
	logger *logging.Logger
	hub    *notify.Hub[bool]

	mu      sync.Mutex
	v       *viper.Viper
	enabled bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// FileOption configures a File.
type FileOption func(*File)

// WithLogger sets the logger used for reload and watch errors.
func WithLogger(l *logging.Logger) FileOption {
	return func(f *File) { f.logger = l }
}

// OpenFile reads the YAML file at path, which need not exist yet, and starts
// watching it.
// defaultEnabled applies while the file has no value.
func OpenFile(path string, defaultEnabled bool, opts ...FileOption) (*File, error) {
	f := &File{
		path: path,
		hub:  notify.NewHub[bool]("settings-file"),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logging.WithComponent(logging.Component(component))
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
	default:
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig,
			fmt.Sprintf("settings file %s must have a .yaml extension", path))
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig, err)
	}

	f.v = viper.New()
	f.v.SetConfigFile(path)
	f.v.SetConfigType("yaml")
	f.v.SetDefault(KeySyncEnabled, defaultEnabled)
	if err := f.read(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInternal,
			fmt.Errorf("failed to create fsnotify watcher: %w", err))
	}
	// Editors replace files, so the directory is watched rather than the file.
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInternal,
			fmt.Errorf("failed to watch %s: %w", dir, err))
	}
	f.watcher = w
	f.wg.Add(1)
	go f.processEvents()
	return f, nil
}

// read loads the file and records the preference.
func (f *File) read() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return stackerrors.E(stackerrors.OpLoad, component, stackerrors.KindStorage,
				fmt.Errorf("read settings %s: %w", f.path, err))
		}
	}
	f.enabled = f.v.GetBool(KeySyncEnabled)
	return nil
}

func (f *File) Path() string { return f.path }

func (f *File) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *File) SyncEnabled(ctx context.Context) <-chan bool {
	return stream(ctx, f.hub, f.Enabled)
}

// SetSyncEnabled writes the preference to the file. The other keys of the
// file are kept.
func (f *File) SetSyncEnabled(enabled bool) error {
	f.mu.Lock()
	// Values set on f.v would shadow later edits of the file, so the write
	// goes through a separate instance.
	w := viper.New()
	w.SetConfigType("yaml")
	err := w.MergeConfigMap(f.v.AllSettings())
	if err == nil {
		w.Set(KeySyncEnabled, enabled)
		err = w.WriteConfigAs(f.path)
	}
	changed := err == nil && f.enabled != enabled
	if err == nil {
		f.enabled = enabled
	}
	f.mu.Unlock()

	if err != nil {
		return stackerrors.E(stackerrors.OpSave, component, stackerrors.KindStorage,
			fmt.Errorf("write settings %s: %w", f.path, err))
	}
	if changed {
		f.hub.Publish(enabled)
	}
	return nil
}

// Close stops watching the file.
func (f *File) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (f *File) processEvents() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return

		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			f.reload()

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.LogError(context.Background(), err, "settings watcher error", slog.String("path", f.path))
		}
	}
}

func (f *File) reload() {
	before := f.Enabled()
	if err := f.read(); err != nil {
		// Half written files are read again on the next write event.
		f.logger.Debug("ignoring unreadable settings", slog.String("path", f.path), slog.String("error", err.Error()))
		return
	}
	if after := f.Enabled(); after != before {
		f.logger.Info("sync preference changed", slog.Bool("enabled", after))
		f.hub.Publish(after)
	}
}
