package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/container"
	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// Owner publishes the active container.
type Owner interface {
	SubscribeActive(fn func(*container.Container)) (cancel func())
}

// MergeHandler is called on the worker with every non-empty batch before it
// is merged into the view context.
type MergeHandler func(c *container.Container, txs []types.Transaction)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics sets the collector for merge and reload measurements.
func WithMetrics(m MetricsCollector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithWorker makes the tracker queue its work on w. The tracker does not close
// a worker it did not create.
func WithWorker(w *Worker) Option {
	return func(t *Tracker) { t.worker = w }
}

// Tracker merges transactions of other authors into the active container's
// view context on a serialized worker and persists how far it got.
type Tracker struct {
	author     string
	file       *cursor.File
	logger     *logging.Logger
	metrics    MetricsCollector
	worker     *Worker
	ownsWorker bool

	mu      sync.Mutex
	token   cursor.Token
	current *container.Container
	unsub   func()
	subGen  uint64
	unwatch func()
	closed  bool

	// handler is only touched on the worker.
	handler MergeHandler
}

// NewTracker loads the token persisted in dir/fileName, if any. An unreadable
// token file is logged and merging starts from the beginning.
func NewTracker(author, dir, fileName string, opts ...Option) (*Tracker, error) {
	if dir == "" || fileName == "" {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig,
			"token directory and file name are required")
	}
	t := &Tracker{
		author: author,
		file:   cursor.NewFile(dir, fileName),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.WithComponent(logging.Component(component))
	}
	if t.metrics == nil {
		t.metrics = &NoOpMetricsCollector{}
	}
	if t.worker == nil {
		t.worker = NewWorker("history", t.logger)
		t.ownsWorker = true
	}

	token, err := t.file.Load()
	if err != nil {
		t.logger.LogError(context.Background(), err, "ignoring unreadable history token",
			slog.String("path", t.file.Path()))
		token = cursor.Token{}
	}
	t.token = token
	return t, nil
}

// Worker returns the serialized worker merges and reloads run on.
func (t *Tracker) Worker() *Worker { return t.worker }

// TokenPath is the location of the cursor file.
func (t *Tracker) TokenPath() string { return t.file.Path() }

// LastToken returns the token of the last merged transaction.
func (t *Tracker) LastToken() cursor.Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Observe follows the owner's active container: every published container
// replaces the remote change subscription. Calling Observe again replaces the
// previous owner.
func (t *Tracker) Observe(owner Owner) {
	t.mu.Lock()
	prev := t.unwatch
	t.unwatch = nil
	t.mu.Unlock()
	if prev != nil {
		prev()
	}

	unwatch := owner.SubscribeActive(t.follow)

	t.mu.Lock()
	t.unwatch = unwatch
	t.mu.Unlock()
}

func (t *Tracker) follow(c *container.Container) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.subscribeLocked(c)
}

// subscribeLocked must be called with t.mu held.
func (t *Tracker) subscribeLocked(c *container.Container) {
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	t.current = c
	t.subGen++
	if c == nil {
		return
	}
	t.unsub = c.SubscribeRemoteChanges(t.onRemoteChange)
	t.logger.Debug("subscribed to remote changes",
		slog.String("container_id", c.ID()),
		slog.Uint64("generation", c.Generation()),
	)
}

func (t *Tracker) onRemoteChange(rc container.RemoteChange) {
	c := rc.Container
	t.worker.Submit(func() { t.merge(c) })
}

// RegisterMergeHandler installs h in the single handler slot. A later
// registration replaces the earlier one. The change takes effect on the worker,
// after the work already queued.
func (t *Tracker) RegisterMergeHandler(h MergeHandler) {
	t.worker.Submit(func() { t.handler = h })
}

// DispatchReload cancels the remote change subscription before returning and
// queues block on the worker. Once block has run the subscription is restored
// for the active container, unless block published a new one, and a merge
// catches up on anything recorded while nothing was subscribed. It reports
// false when the tracker is closed.
func (t *Tracker) DispatchReload(block func()) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	gen := t.subGen
	t.mu.Unlock()

	return t.worker.Submit(func() {
		start := time.Now()
		defer func() {
			t.metrics.RecordDuration(metricReload, time.Since(start))
		}()

		block()

		t.mu.Lock()
		if !t.closed && t.subGen == gen && t.unsub == nil && t.current != nil {
			t.subscribeLocked(t.current)
		}
		c := t.current
		t.mu.Unlock()

		t.merge(c)
	})
}

// Flush waits for the work queued so far.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.worker.Flush(ctx)
}

// Close drops the subscriptions and, when the tracker owns its worker, drains
// and stops it.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	unwatch, unsub := t.unwatch, t.unsub
	t.unwatch, t.unsub = nil, nil
	t.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if unsub != nil {
		unsub()
	}
	if t.ownsWorker {
		t.worker.Close()
	}
}

// merge runs one batch for c. It must run on the worker.
func (t *Tracker) merge(c *container.Container) {
	if c == nil || !c.IsLoaded() {
		return
	}
	ctx := context.Background()
	start := time.Now()

	bg := c.NewBackgroundContext()
	after := t.LastToken()
	txs, err := FetchRemoteTransactions(ctx, bg, after, t.author)
	if err != nil {
		t.metrics.RecordErrors(metricFetch, stackerrors.KindOf(err).String())
		t.logger.LogError(ctx, err, "failed to fetch remote transactions",
			slog.String("container_id", c.ID()),
			slog.String("after", after.String()),
		)
		return
	}
	if len(txs) == 0 {
		return
	}

	if t.handler != nil {
		t.handler(c, txs)
	}
	view := c.ViewContext()
	trace := t.logger.Enabled(ctx, slog.Level(logging.LevelTrace))
	for _, tx := range txs {
		view.MergeChanges(tx)
		if trace {
			t.logger.Log(ctx, slog.Level(logging.LevelTrace), "merged transaction",
				slog.String("id", tx.ID),
				slog.String("author", tx.Author),
				slog.String("token", tx.Token.String()),
				slog.Int("changes", len(tx.Changes)),
			)
		}
	}

	last := types.LastToken(txs)
	if err := t.advance(last); err != nil {
		t.metrics.RecordErrors(metricCursor, stackerrors.KindOf(err).String())
		t.logger.LogError(ctx, err, "failed to persist history token",
			slog.String("token", last.String()),
			slog.String("path", t.file.Path()),
		)
		return
	}

	t.metrics.RecordMerged(len(txs))
	t.metrics.RecordDuration(metricMerge, time.Since(start))
	t.logger.Debug("merged remote transactions",
		slog.String("container_id", c.ID()),
		slog.Int("count", len(txs)),
		slog.String("token", last.String()),
	)
}

var errTokenRewind = errors.New("token does not advance the cursor")

// advance persists last and then records it in memory. The cursor never moves
// backwards.
func (t *Tracker) advance(last cursor.Token) error {
	current := t.LastToken()
	if !last.After(current) {
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindInternal, errTokenRewind,
			map[string]interface{}{"current": current.String(), "token": last.String()})
	}
	if err := t.file.Save(last); err != nil {
		return err
	}
	t.mu.Lock()
	t.token = last
	t.mu.Unlock()
	return nil
}
