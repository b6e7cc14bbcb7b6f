package cloud

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// Store is the part of a local store the mirror needs. *sqlite.Store implements it.
type Store interface {
	ID() string
	FetchHistory(ctx context.Context, q sqlite.HistoryQuery) ([]types.Transaction, error)
	Import(ctx context.Context, txn types.Transaction, policy types.MergePolicy) (types.Transaction, bool, error)
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	SubscribeRemoteChanges(fn func(sqlite.RemoteChange)) (cancel func())
}

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	Account      string
	MergePolicy  types.MergePolicy
	BatchSize    int
	PollInterval time.Duration
	// Retry applies to the background loop only; Sync runs once.
	Retry *RetryConfig
	// OnEvent receives setup, import and export events. It runs on the
	// mirror's goroutine and must not block.
	OnEvent func(Event)
	Logger  *logging.Logger
}

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = 15 * time.Second
)

func (c *MirrorConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component))
	}
	if c.Retry == nil {
		r := DefaultRetryConfig
		c.Retry = &r
	}
}

// Mirror keeps one local store and one cloud account in step while it holds the
// account's lease. Local transactions are exported, remote ones imported.
type Mirror struct {
	store   Store
	backend Backend
	cfg     MirrorConfig
	logger  *logging.Logger

	syncMu sync.Mutex

	mu      sync.Mutex
	lease   Lease
	started bool
	stopped bool
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
	kick    chan struct{}
}

func NewMirror(store Store, backend Backend, cfg MirrorConfig) *Mirror {
	cfg.setDefaults()
	return &Mirror{
		store:   store,
		backend: backend,
		cfg:     cfg,
		logger:  cfg.Logger,
		kick:    make(chan struct{}, 1),
	}
}

// Start attaches the account and starts syncing in the background until Stop.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	ev := m.begin(EventSetup)
	lease, err := m.backend.Attach(ctx, m.cfg.Account, m.store.ID())
	m.end(ev, err)
	if err != nil {
		return stackerrors.WrapOpComponent(err, stackerrors.OpAttach, component)
	}
	m.lease = lease
	m.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.unsub = m.store.SubscribeRemoteChanges(func(sqlite.RemoteChange) { m.trigger() })

	if w, ok := m.backend.(Watcher); ok {
		updates, err := w.Watch(runCtx, m.cfg.Account)
		if err != nil {
			m.logger.LogError(ctx, err, "unable to watch cloud account", slog.String("account", m.cfg.Account))
		} else {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				for range updates {
					m.trigger()
				}
			}()
		}
	}

	m.wg.Add(1)
	go m.run(runCtx)
	m.trigger()

	m.logger.InfoContext(ctx, "cloud mirror started",
		slog.String("account", m.cfg.Account),
		slog.String("store_id", m.store.ID()),
	)
	return nil
}

func (m *Mirror) trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Mirror) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		case <-ticker.C:
		}
		err := withRetry(ctx, *m.cfg.Retry, m.logger, func() error { return m.Sync(ctx) })
		if err != nil && ctx.Err() == nil {
			m.logger.LogError(ctx, err, "cloud sync failed", slog.String("account", m.cfg.Account))
		}
	}
}

// Sync imports remote records and then exports local transactions.
func (m *Mirror) Sync(ctx context.Context) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.Lock()
	lease, active := m.lease, m.started && !m.stopped
	m.mu.Unlock()
	if !active {
		return stackerrors.E(stackerrors.OpImport, component, stackerrors.KindClosed, ErrLeaseNotHeld)
	}

	ev := m.begin(EventImport)
	err := m.importRemote(ctx, lease)
	m.end(ev, err)
	if err != nil {
		return err
	}

	ev = m.begin(EventExport)
	err = m.exportLocal(ctx, lease)
	m.end(ev, err)
	return err
}

func (m *Mirror) importKey() string { return "cloud." + m.cfg.Account + ".import_seq" }
func (m *Mirror) exportKey() string { return "cloud." + m.cfg.Account + ".export_token" }

func (m *Mirror) importRemote(ctx context.Context, lease Lease) error {
	after, err := m.metaUint(ctx, m.importKey())
	if err != nil {
		return stackerrors.WrapOpComponent(err, stackerrors.OpImport, component)
	}
	for {
		recs, err := m.backend.Pull(ctx, lease, after, m.cfg.BatchSize)
		if err != nil {
			return stackerrors.WrapOpComponentKind(err, stackerrors.OpImport, component, stackerrors.KindFetch)
		}
		for _, rec := range recs {
			if rec.Transaction.StoreID != m.store.ID() {
				if _, _, err := m.store.Import(ctx, rec.Transaction, m.cfg.MergePolicy); err != nil {
					return stackerrors.WrapOpComponent(err, stackerrors.OpImport, component)
				}
			}
			after = rec.Seq
		}
		if len(recs) > 0 {
			if err := m.store.SetMeta(ctx, m.importKey(), strconv.FormatUint(after, 10)); err != nil {
				return stackerrors.WrapOpComponent(err, stackerrors.OpImport, component)
			}
		}
		if len(recs) < m.cfg.BatchSize {
			return nil
		}
	}
}

func (m *Mirror) exportLocal(ctx context.Context, lease Lease) error {
	seq, err := m.metaUint(ctx, m.exportKey())
	if err != nil {
		return stackerrors.WrapOpComponent(err, stackerrors.OpExport, component)
	}
	after := cursor.Token{Seq: seq}
	for {
		txs, err := m.store.FetchHistory(ctx, sqlite.HistoryQuery{
			After:  after,
			Origin: sqlite.OriginLocal,
			Limit:  m.cfg.BatchSize,
		})
		if err != nil {
			return stackerrors.WrapOpComponent(err, stackerrors.OpExport, component)
		}
		if len(txs) == 0 {
			return nil
		}
		if _, err := m.backend.Push(ctx, lease, txs); err != nil {
			return stackerrors.WrapOpComponentKind(err, stackerrors.OpExport, component, stackerrors.KindUnavailable)
		}
		after = types.LastToken(txs)
		if err := m.store.SetMeta(ctx, m.exportKey(), after.String()); err != nil {
			return stackerrors.WrapOpComponent(err, stackerrors.OpExport, component)
		}
		if len(txs) < m.cfg.BatchSize {
			return nil
		}
	}
}

func (m *Mirror) metaUint(ctx context.Context, key string) (uint64, error) {
	v, ok, err := m.store.Meta(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, stackerrors.E(component, stackerrors.KindStorage, err, key)
	}
	return n, nil
}

// Stop ends background syncing and releases the account lease. It is safe to
// call more than once.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.cancel()
	m.unsub()
	lease := m.lease
	m.mu.Unlock()

	m.wg.Wait()
	// Wait for a Sync started by another goroutine.
	m.syncMu.Lock()
	m.syncMu.Unlock()

	if err := m.backend.Detach(ctx, lease); err != nil {
		return stackerrors.WrapOpComponentKind(err, stackerrors.OpDetach, component, stackerrors.KindDetach)
	}
	m.logger.InfoContext(ctx, "cloud mirror stopped",
		slog.String("account", m.cfg.Account),
		slog.String("store_id", m.store.ID()),
	)
	return nil
}

// Lease returns the held lease, or the zero Lease before Start.
func (m *Mirror) Lease() Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lease
}

func (m *Mirror) begin(t EventType) Event {
	ev := Event{Type: t, Account: m.cfg.Account, StoreID: m.store.ID(), StartDate: time.Now()}
	m.emit(ev)
	return ev
}

func (m *Mirror) end(ev Event, err error) {
	ev.EndDate = time.Now()
	ev.Err = err
	m.emit(ev)
}

func (m *Mirror) emit(ev Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev)
	}
}
