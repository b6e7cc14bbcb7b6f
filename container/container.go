package container

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/model"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

const component = stackerrors.Component("container")

// ErrNotLoaded is returned by object contexts of a container without stores.
var ErrNotLoaded = errors.New("container has no loaded store")

// RemoteChange is a store change notification tagged with the container
// whose store produced it.
type RemoteChange struct {
	Container *Container
	sqlite.RemoteChange
}

// Container is one generation of the stack's storage. Its identity, mode and
// descriptions never change; its stores are attached by the Manager during
// load and removed when it is replaced.
type Container struct {
	id           string
	generation   uint64
	name         string
	mode         types.Mode
	model        *model.Model
	descriptions []Description
	policy       types.MergePolicy
	logger       *logging.Logger

	coordinator *Coordinator
	view        *ObjectContext
}

func newContainer(generation uint64, name string, mode types.Mode, m *model.Model, descs []Description, policy types.MergePolicy, logger *logging.Logger) *Container {
	c := &Container{
		id:           uuid.NewString(),
		generation:   generation,
		name:         name,
		mode:         mode,
		model:        m,
		descriptions: descs,
		policy:       policy,
		logger:       logger,
		coordinator:  &Coordinator{},
	}
	c.view = newObjectContext(c, nil)
	return c
}

func (c *Container) ID() string { return c.id }
func (c *Container) Generation() uint64 { return c.generation }
func (c *Container) Name() string { return c.name }
func (c *Container) Mode() types.Mode { return c.mode }
func (c *Container) Model() *model.Model { return c.model }
func (c *Container) Descriptions() []Description { return append([]Description(nil), c.descriptions...) }
func (c *Container) Coordinator() *Coordinator { return c.coordinator }
func (c *Container) ViewContext() *ObjectContext { return c.view }

// IsLoaded reports whether at least one store is attached.
func (c *Container) IsLoaded() bool { return c.coordinator.Len() > 0 }

// NewBackgroundContext returns a context for work off the view context. Its
// saves are merged into the view context when automatic merging is enabled.
func (c *Container) NewBackgroundContext() *ObjectContext {
	bg := newObjectContext(c, c.view)
	bg.SetAuthor(c.view.Author())
	bg.SetMergePolicy(c.view.MergePolicy())
	return bg
}

// FetchHistory queries the history of the primary store.
func (c *Container) FetchHistory(ctx context.Context, q sqlite.HistoryQuery) ([]types.Transaction, error) {
	s := c.coordinator.Primary()
	if s == nil {
		return nil, stackerrors.E(stackerrors.OpFetch, component, stackerrors.KindUnavailable, ErrNotLoaded)
	}
	return s.FetchHistory(ctx, q)
}

// SubscribeRemoteChanges registers fn with every attached store.
func (c *Container) SubscribeRemoteChanges(fn func(RemoteChange)) (cancel func()) {
	var cancels []func()
	for _, s := range c.coordinator.Stores() {
		cancels = append(cancels, s.SubscribeRemoteChanges(func(rc sqlite.RemoteChange) {
			fn(RemoteChange{Container: c, RemoteChange: rc})
		}))
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, cancel := range cancels {
				cancel()
			}
		})
	}
}

// load opens every description. A description that fails is reported through
// onError and skipped; it is not retried.
func (c *Container) load(ctx context.Context, onError func(Description, error)) {
	for _, d := range c.descriptions {
		if err := c.loadOne(ctx, d); err != nil {
			c.logger.LogError(ctx, err, "failed to load persistent store",
				slog.String("path", d.Path),
				slog.String("container_id", c.id),
			)
			if onError != nil {
				onError(d, err)
			}
		}
	}
}

func (c *Container) loadOne(ctx context.Context, d Description) error {
	cfg := d.storeConfig()
	cfg.Logger = c.logger.WithComponent(logging.Component("storage/sqlite"))
	store, err := sqlite.Open(ctx, cfg)
	if err != nil {
		return stackerrors.WrapOpComponentKind(err, stackerrors.OpLoad, component, stackerrors.KindLoad)
	}

	var mirror *cloud.Mirror
	if d.Cloud != nil {
		mirror = cloud.NewMirror(store, d.Cloud.Backend, cloud.MirrorConfig{
			Account:      d.Cloud.Account,
			MergePolicy:  c.policy,
			BatchSize:    d.Cloud.BatchSize,
			PollInterval: d.Cloud.PollInterval,
			Retry:        d.Cloud.Retry,
			OnEvent:      d.Cloud.OnEvent,
			Logger:       c.logger.WithComponent(logging.Component("cloud")),
		})
		if err := mirror.Start(ctx); err != nil {
			store.Close()
			return stackerrors.WrapOpComponentKind(err, stackerrors.OpLoad, component, stackerrors.KindLoad)
		}
	}
	c.coordinator.add(store, mirror)
	return nil
}

// Coordinator holds the stores attached to a container.
type Coordinator struct {
	mu     sync.RWMutex
	stores []*attachedStore
}

type attachedStore struct {
	store  *sqlite.Store
	mirror *cloud.Mirror
}

func (co *Coordinator) add(s *sqlite.Store, m *cloud.Mirror) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.stores = append(co.stores, &attachedStore{store: s, mirror: m})
}

func (co *Coordinator) Len() int {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return len(co.stores)
}

// Stores returns the attached stores in load order.
func (co *Coordinator) Stores() []*sqlite.Store {
	co.mu.RLock()
	defer co.mu.RUnlock()
	out := make([]*sqlite.Store, len(co.stores))
	for i, a := range co.stores {
		out[i] = a.store
	}
	return out
}

// Primary returns the first attached store, or nil.
func (co *Coordinator) Primary() *sqlite.Store {
	co.mu.RLock()
	defer co.mu.RUnlock()
	if len(co.stores) == 0 {
		return nil
	}
	return co.stores[0].store
}

// Mirror returns the cloud mirror of s, or nil for a local-only store.
func (co *Coordinator) Mirror(s *sqlite.Store) *cloud.Mirror {
	co.mu.RLock()
	defer co.mu.RUnlock()
	for _, a := range co.stores {
		if a.store == s {
			return a.mirror
		}
	}
	return nil
}

// Remove stops the store's cloud mirror, releasing its account, and closes it.
func (co *Coordinator) Remove(ctx context.Context, s *sqlite.Store) error {
	co.mu.Lock()
	var found *attachedStore
	for i, a := range co.stores {
		if a.store == s {
			found = a
			co.stores = append(co.stores[:i:i], co.stores[i+1:]...)
			break
		}
	}
	co.mu.Unlock()
	if found == nil {
		return stackerrors.E(stackerrors.OpDetach, component, stackerrors.KindDetach, "store is not attached")
	}

	var errs []error
	if found.mirror != nil {
		if err := found.mirror.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := found.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return stackerrors.WrapOpComponentKind(err, stackerrors.OpDetach, component, stackerrors.KindDetach)
	}
	return nil
}

// detachAll removes every store. Failures are logged and otherwise ignored.
func (c *Container) detachAll(ctx context.Context) {
	for _, s := range c.coordinator.Stores() {
		if err := c.coordinator.Remove(ctx, s); err != nil {
			c.logger.LogError(ctx, err, "failed to remove persistent store",
				slog.String("path", s.Path()),
				slog.String("container_id", c.id),
			)
		}
	}
}
