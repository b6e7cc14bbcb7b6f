package persistentstack

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/container"
	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/history"
	"github.com/c0deZ3R0/go-persistent-stack/internal/notify"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// MergeHandler is called with every batch of transactions merged from other
// authors, before the view context sees them.
type MergeHandler = history.MergeHandler

// Stack is the application's entry point to its data.
type Stack struct {
	cfg     *Configuration
	logger  *logging.Logger
	manager *container.Manager
	tracker *history.Tracker
	events  *notify.Hub[cloud.Event]

	// requested is the mode of the latest ReconfigureIfNeeded call. Swaps queued
	// before it may not have run yet, so Current() can lag behind it.
	mu        sync.Mutex
	requested types.Mode
}

// New builds a stack whose first container targets cloud sync when
// cloudEnabled is set. Nothing is loaded until ReconfigureIfNeeded runs.
func New(cfg *Configuration, cloudEnabled bool) (*Stack, error) {
	if cfg == nil {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig, "configuration is required")
	}
	s := &Stack{
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    notify.NewHub[cloud.Event]("cloud-events"),
		requested: types.ModeFor(cloudEnabled),
	}

	var cloudOpts *container.CloudOptions
	if cfg.Cloud != nil {
		monitor := cloud.NewEventMonitor(s.logger.WithComponent(logging.Component("cloud")))
		cloudOpts = &container.CloudOptions{
			Account:      cfg.Cloud.Account,
			Backend:      cfg.Cloud.Backend,
			PollInterval: cfg.Cloud.PollInterval,
			BatchSize:    cfg.Cloud.BatchSize,
			Retry:        cfg.Cloud.Retry,
			OnEvent: func(ev cloud.Event) {
				monitor.Handle(ev)
				s.events.Publish(ev)
			},
		}
	}

	manager, err := container.NewManager(container.Config{
		Name:        cfg.ContainerName,
		Dir:         cfg.ContainerDir,
		ModelPath:   cfg.ModelPath,
		Driver:      cfg.Driver,
		Author:      cfg.Author,
		MergePolicy: cfg.MergePolicy,
		Cloud:       cloudOpts,
		InitialMode: types.ModeFor(cloudEnabled),
		OnLoadError: cfg.OnLoadError,
		Logger:      s.logger.WithComponent(logging.Component("container")),
	})
	if err != nil {
		return nil, err
	}

	tracker, err := history.NewTracker(cfg.Author, cfg.TokenDir, cfg.TokenFile,
		history.WithLogger(s.logger.WithComponent(logging.Component("history"))),
		history.WithMetrics(cfg.Metrics),
	)
	if err != nil {
		return nil, err
	}
	tracker.Observe(manager)

	s.manager = manager
	s.tracker = tracker
	return s, nil
}

// Configuration returns the stack's configuration.
func (s *Stack) Configuration() *Configuration { return s.cfg }

// Container returns the active container. Re-read it after a reload.
func (s *Stack) Container() *container.Container { return s.manager.Current() }

// ViewContext is the read/write context of the active container.
func (s *Stack) ViewContext() *container.ObjectContext {
	return s.manager.Current().ViewContext()
}

// NewBackgroundContext returns a context for work off the view context,
// stamped with the configured author and merge policy.
func (s *Stack) NewBackgroundContext() *container.ObjectContext {
	bg := s.manager.Current().NewBackgroundContext()
	bg.SetAuthor(s.cfg.Author)
	bg.SetMergePolicy(s.cfg.MergePolicy)
	return bg
}

// RegisterMergeHandler replaces the merge handler. Only one is kept.
func (s *Stack) RegisterMergeHandler(h MergeHandler) {
	s.tracker.RegisterMergeHandler(h)
}

// IsLoaded reports whether the active container has a store attached.
func (s *Stack) IsLoaded() bool { return s.manager.Current().IsLoaded() }

// IsCloudSyncEnabled reports whether the active container is cloud synced.
func (s *Stack) IsCloudSyncEnabled() bool {
	return s.manager.Current().Mode() == types.CloudSynced
}

// ReconfigureIfNeeded swaps in a container for the requested mode unless a
// loaded one is already active and no other mode was requested since. The
// swap runs on the history worker after the work queued before it, so the
// last call decides the final mode; it reports whether a swap was queued.
// Outcomes are observed through SubscribeReload and IsLoaded, never returned.
func (s *Stack) ReconfigureIfNeeded(cloudEnabled bool) bool {
	mode := types.ModeFor(cloudEnabled)

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.requested != mode
	s.requested = mode
	if !changed && !s.manager.NeedsReconfigure(mode) {
		return false
	}
	return s.tracker.DispatchReload(func() {
		// A reload queued earlier may have done the work already.
		if !s.manager.NeedsReconfigure(mode) {
			return
		}
		ctx := context.Background()
		res := s.manager.Reconfigure(ctx, mode)
		s.logger.InfoContext(ctx, "persistent stack reconfigured",
			slog.String("mode", mode.String()),
			slog.Bool("loaded", res.Loaded),
			slog.Bool("reused", res.Reused),
			slog.Uint64("generation", res.Container.Generation()),
		)
	})
}

// SubscribeReload registers fn for every container published by a
// reconfiguration.
func (s *Stack) SubscribeReload(fn func(*container.Container)) (cancel func()) {
	return s.manager.SubscribeReload(fn)
}

// SubscribeCloudEvents registers fn for setup, import and export events of
// cloud-synced stores.
func (s *Stack) SubscribeCloudEvents(fn func(cloud.Event)) (cancel func()) {
	return s.events.Subscribe(fn)
}

// LastHistoryToken is the token of the last merged transaction.
func (s *Stack) LastHistoryToken() cursor.Token { return s.tracker.LastToken() }

// Flush waits for queued merges and reconfigurations.
func (s *Stack) Flush(ctx context.Context) error {
	return s.tracker.Flush(ctx)
}

// Close finishes queued work and detaches the active container.
func (s *Stack) Close(ctx context.Context) error {
	s.tracker.Close()
	s.manager.Close(ctx)
	return nil
}
