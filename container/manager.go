package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/internal/notify"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/model"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// Config configures a Manager.
type Config struct {
	// Name is the container name; the store file is Dir/Name.sqlite.
	Name string
	Dir  string

	// ModelPath is the model file. Model, when set, is used instead.
	ModelPath string
	Model     *model.Model

	Driver      string
	Author      string
	MergePolicy types.MergePolicy

	// Cloud is applied to CloudSynced containers.
	Cloud *CloudOptions
	// InitialMode is the mode of the unloaded container built by NewManager.
	InitialMode types.Mode

	// OnLoadError is called for every store that fails to load.
	OnLoadError func(Description, error)

	Logger *logging.Logger
}

// StorePath is the location of the container's store file.
func (c *Config) StorePath() string {
	return filepath.Join(c.Dir, c.Name+".sqlite")
}

// Result reports what Reconfigure did.
type Result struct {
	Container *Container
	// Reused is set when the previous container was loaded instead of a new one.
	Reused bool
	Loaded bool
}

// Manager creates, loads, publishes and detaches containers. Reconfigure must
// not run concurrently with itself; the stack runs it on its serialized worker.
type Manager struct {
	cfg    Config
	model  *model.Model
	logger *logging.Logger

	generation atomic.Uint64
	active     atomic.Pointer[Container]
	activeHub  *notify.Hub[*Container]
	reloadHub  *notify.Hub[*Container]
}

// NewManager loads the model and prepares an unloaded container in
// cfg.InitialMode.
// A missing or invalid model and an incomplete store description are
// configuration errors.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent(logging.Component(component))
	}
	if cfg.Name == "" || cfg.Dir == "" {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig,
			"store description requires a container name and directory")
	}

	m := cfg.Model
	if m == nil {
		if cfg.ModelPath == "" {
			return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig, "model path is required")
		}
		loaded, err := model.Load(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		m = loaded
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig,
			fmt.Errorf("create container directory: %w", err))
	}

	mgr := &Manager{
		cfg:       cfg,
		model:     m,
		logger:    cfg.Logger,
		activeHub: notify.NewHub[*Container]("container-active"),
		reloadHub: notify.NewHub[*Container]("container-reload"),
	}
	mgr.active.Store(mgr.build(cfg.InitialMode))
	return mgr, nil
}

func (m *Manager) build(mode types.Mode) *Container {
	gen := m.generation.Add(1)
	if mode == types.CloudSynced && m.cfg.Cloud == nil {
		m.logger.Warn("cloud sync requested without cloud options; store stays local",
			slog.String("container", m.cfg.Name))
	}
	descs := []Description{describe(&m.cfg, m.model, mode)}
	return newContainer(gen, m.cfg.Name, mode, m.model, descs, m.cfg.MergePolicy, m.logger)
}

// Current returns the active container.
func (m *Manager) Current() *Container { return m.active.Load() }

func (m *Manager) Model() *model.Model { return m.model }

// NeedsReconfigure is false only when the active container is loaded in mode.
func (m *Manager) NeedsReconfigure(mode types.Mode) bool {
	c := m.Current()
	return c.Mode() != mode || !c.IsLoaded()
}

// Reconfigure makes a loaded container in mode the active one. It does nothing
// when that container is already active and loaded. An unloaded active
// container already in mode is loaded in place; otherwise a new container is
// built and the old one's stores are detached before it loads. Load failures
// are reported through OnLoadError and the log, never returned.
func (m *Manager) Reconfigure(ctx context.Context, mode types.Mode) Result {
	old := m.Current()
	if !m.NeedsReconfigure(mode) {
		return Result{Container: old, Reused: true, Loaded: true}
	}
	c := old
	reused := old.Mode() == mode && !old.IsLoaded()
	if !reused {
		c = m.build(mode)
		old.detachAll(ctx)
	}

	m.logger.InfoContext(ctx, "loading container",
		slog.String("container_id", c.ID()),
		slog.Uint64("generation", c.Generation()),
		slog.String("mode", mode.String()),
		slog.Bool("reused", reused),
	)
	c.load(ctx, m.cfg.OnLoadError)

	loaded := c.IsLoaded()
	if loaded {
		view := c.ViewContext()
		view.SetMergePolicy(m.cfg.MergePolicy)
		view.SetAuthor(m.cfg.Author)
		view.SetAutomaticallyMergesChangesFromParent(true)
	}

	m.active.Store(c)
	m.activeHub.Publish(c)
	m.reloadHub.Publish(c)
	return Result{Container: c, Reused: reused, Loaded: loaded}
}

// SubscribeActive calls fn with the active container now and with every
// container published later.
func (m *Manager) SubscribeActive(fn func(*Container)) (cancel func()) {
	cancel = m.activeHub.Subscribe(fn)
	fn(m.Current())
	return cancel
}

// SubscribeReload registers fn for reload notifications, sent after each
// Reconfigure has published its container.
func (m *Manager) SubscribeReload(fn func(*Container)) (cancel func()) {
	return m.reloadHub.Subscribe(fn)
}

// Close detaches the active container's stores.
func (m *Manager) Close(ctx context.Context) {
	m.Current().detachAll(ctx)
}
