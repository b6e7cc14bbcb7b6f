package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c0deZ3R0/go-persistent-stack/container"
	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/model"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testModel = `
name: Notes
version: 1
entities:
  - name: Note
    properties:
      - {name: body, type: string}
`

type fixture struct {
	manager *container.Manager
	tracker *Tracker
	dir     string
}

func newFixture(t *testing.T, dir string, opts ...Option) *fixture {
	t.Helper()
	m, err := model.Parse([]byte(testModel))
	require.NoError(t, err)

	mgr, err := container.NewManager(container.Config{
		Name:   "Notes",
		Dir:    filepath.Join(dir, "containers"),
		Model:  m,
		Author: "app",
		Logger: logging.Discard(),
	})
	require.NoError(t, err)

	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	tr, err := NewTracker("app", filepath.Join(dir, "tokens"), "app-last-token.data", opts...)
	require.NoError(t, err)

	f := &fixture{manager: mgr, tracker: tr, dir: dir}
	t.Cleanup(f.close)

	tr.Observe(mgr)
	f.reload(t, types.LocalOnly)
	return f
}

func (f *fixture) close() {
	f.tracker.Close()
	f.manager.Close(context.Background())
}

func (f *fixture) reload(t *testing.T, mode types.Mode) {
	t.Helper()
	require.True(t, f.tracker.DispatchReload(func() {
		f.manager.Reconfigure(context.Background(), mode)
	}))
	f.flush(t)
	require.True(t, f.manager.Current().IsLoaded())
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.tracker.Flush(ctx))
}

// write saves one note as author from a background context.
func (f *fixture) write(t *testing.T, author, body string) types.Transaction {
	t.Helper()
	bg := f.manager.Current().NewBackgroundContext()
	bg.SetAuthor(author)
	bg.Insert("Note", map[string]any{"body": body})
	txn, err := bg.Save(context.Background())
	require.NoError(t, err)
	return txn
}

type recorder struct {
	mu      sync.Mutex
	batches [][]types.Transaction
}

func (r *recorder) handle(_ *container.Container, txs []types.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, txs)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		for _, tx := range b {
			out = append(out, tx.ID)
		}
	}
	return out
}

func TestWorker_RunsInOrder(t *testing.T) {
	w := NewWorker("test", logging.Discard())
	defer w.Close()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, w.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestWorker_PanicDoesNotStopWorker(t *testing.T) {
	w := NewWorker("test", logging.Discard())
	defer w.Close()

	w.Submit(func() { panic("boom") })
	ran := false
	require.NoError(t, w.SubmitWait(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestWorker_CloseDrainsQueue(t *testing.T) {
	w := NewWorker("test", logging.Discard())
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		w.Submit(func() { count.Add(1) })
	}
	w.Close()
	assert.Equal(t, int32(10), count.Load())
	assert.False(t, w.Submit(func() {}))

	err := w.Flush(context.Background())
	assert.Equal(t, stackerrors.KindClosed, stackerrors.KindOf(err))
}

func TestNewTracker_RequiresTokenLocation(t *testing.T) {
	_, err := NewTracker("app", "", "token.data")
	assert.Equal(t, stackerrors.KindInvalidConfig, stackerrors.KindOf(err))
}

func TestNewTracker_UnreadableTokenStartsOver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.data"), []byte("garbage"), 0o644))
	tr, err := NewTracker("app", dir, "t.data", WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer tr.Close()
	assert.True(t, tr.LastToken().IsZero())
}

func TestTracker_MergesOtherAuthors(t *testing.T) {
	f := newFixture(t, t.TempDir())
	rec := &recorder{}
	f.tracker.RegisterMergeHandler(rec.handle)

	var viewChanges atomic.Int32
	cancel := f.manager.Current().ViewContext().SubscribeChanges(func(container.Changes) { viewChanges.Add(1) })
	defer cancel()

	txn := f.write(t, "share-extension", "hello")
	f.flush(t)

	assert.Equal(t, []string{txn.ID}, rec.ids())
	assert.Equal(t, txn.Token, f.tracker.LastToken())
	// One change from the parent auto merge and one from the history merge.
	assert.Equal(t, int32(2), viewChanges.Load())

	persisted, err := cursor.NewFile(filepath.Join(f.dir, "tokens"), "app-last-token.data").Load()
	require.NoError(t, err)
	assert.Equal(t, txn.Token, persisted)
}

func TestTracker_NoSelfMerge(t *testing.T) {
	f := newFixture(t, t.TempDir())
	rec := &recorder{}
	f.tracker.RegisterMergeHandler(rec.handle)

	for i := 0; i < 3; i++ {
		f.write(t, "app", "mine")
	}
	f.flush(t)
	assert.Empty(t, rec.ids())
	assert.True(t, f.tracker.LastToken().IsZero())

	other := f.write(t, "widget", "theirs")
	f.write(t, "app", "mine again")
	f.flush(t)
	assert.Equal(t, []string{other.ID}, rec.ids())
}

func TestTracker_ExactlyOnce(t *testing.T) {
	f := newFixture(t, t.TempDir())
	rec := &recorder{}
	f.tracker.RegisterMergeHandler(rec.handle)

	a := f.write(t, "ext", "a")
	b := f.write(t, "ext", "b")
	f.flush(t)

	// Duplicate notifications for the same container.
	c := f.manager.Current()
	for i := 0; i < 3; i++ {
		f.tracker.Worker().Submit(func() { f.tracker.merge(c) })
	}
	f.flush(t)

	assert.ElementsMatch(t, []string{a.ID, b.ID}, rec.ids())
	assert.Equal(t, b.Token, f.tracker.LastToken())
}

func TestTracker_NoOverlappingBatches(t *testing.T) {
	f := newFixture(t, t.TempDir())

	var inFlight, maxInFlight atomic.Int32
	enter := func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	}
	f.tracker.RegisterMergeHandler(func(*container.Container, []types.Transaction) { enter() })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bg := f.manager.Current().NewBackgroundContext()
			bg.SetAuthor("ext")
			bg.Insert("Note", map[string]any{"body": "x"})
			_, err := bg.Save(context.Background())
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 3; i++ {
		f.tracker.DispatchReload(enter)
	}
	wg.Wait()
	f.flush(t)

	assert.Equal(t, int32(1), maxInFlight.Load())
	txs, err := f.manager.Current().FetchHistory(context.Background(), sqlite.HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, types.LastToken(txs), f.tracker.LastToken())
}

func TestTracker_ReloadWaitsForMergeAndDetachesFirst(t *testing.T) {
	f := newFixture(t, t.TempDir())
	old := f.manager.Current()

	var (
		mu    sync.Mutex
		steps []string
	)
	step := func(s string) {
		mu.Lock()
		steps = append(steps, s)
		mu.Unlock()
	}
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.tracker.RegisterMergeHandler(func(*container.Container, []types.Transaction) {
		once.Do(func() {
			step("merge-start")
			close(entered)
			<-release
			step("merge-end")
		})
	})

	f.write(t, "ext", "first")
	<-entered

	var newContainer *container.Container
	require.True(t, f.tracker.DispatchReload(func() {
		step("reload")
		newContainer = f.manager.Reconfigure(context.Background(), types.CloudSynced).Container
	}))

	// The subscription to the old container is gone already: this write is only
	// picked up by the merge that follows the reload.
	f.write(t, "ext", "second")
	close(release)
	f.flush(t)

	mu.Lock()
	assert.Equal(t, []string{"merge-start", "merge-end", "reload"}, steps)
	mu.Unlock()
	require.NotNil(t, newContainer)
	assert.NotSame(t, old, newContainer)
	assert.False(t, old.IsLoaded())

	txs, err := newContainer.FetchHistory(context.Background(), sqlite.HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, types.LastToken(txs), f.tracker.LastToken())
}

func TestTracker_ReloadWithoutSwapKeepsSubscription(t *testing.T) {
	f := newFixture(t, t.TempDir())
	rec := &recorder{}
	f.tracker.RegisterMergeHandler(rec.handle)

	require.True(t, f.tracker.DispatchReload(func() {}))
	f.flush(t)

	txn := f.write(t, "ext", "still merged")
	f.flush(t)
	assert.Equal(t, []string{txn.ID}, rec.ids())
}

func TestTracker_RestartResumesFromPersistedToken(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir)
	t1 := f.write(t, "ext", "one")
	t2 := f.write(t, "ext", "two")
	f.flush(t)
	require.Equal(t, t2.Token, f.tracker.LastToken())
	assert.True(t, t2.Token.After(t1.Token))
	f.close()

	g := newFixture(t, dir)
	assert.Equal(t, t2.Token, g.tracker.LastToken())

	view := g.manager.Current().ViewContext()
	txs, err := FetchRemoteTransactions(context.Background(), view, g.tracker.LastToken(), "app")
	require.NoError(t, err)
	assert.Empty(t, txs)

	t3 := g.write(t, "ext", "three")
	txs, err = FetchRemoteTransactions(context.Background(), view, t2.Token, "app")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, t3.ID, txs[0].ID)
}

func TestTracker_FetchFailureLeavesCursor(t *testing.T) {
	f := newFixture(t, t.TempDir())
	rec := &recorder{}
	f.tracker.RegisterMergeHandler(rec.handle)

	first := f.write(t, "ext", "ok")
	f.flush(t)
	require.Equal(t, first.Token, f.tracker.LastToken())

	db, err := sql.Open(sqlite.DriverCGO, f.manager.Current().Coordinator().Primary().Path())
	require.NoError(t, err)
	defer db.Close()

	// Hold the worker so the row can be corrupted before its merge runs.
	hold := make(chan struct{})
	f.tracker.Worker().Submit(func() { <-hold })
	broken := f.write(t, "ext", "broken")
	_, err = db.Exec(`UPDATE history SET changes = 'not json' WHERE seq = ?`, int64(broken.Token.Seq))
	require.NoError(t, err)
	close(hold)
	f.flush(t)

	assert.Equal(t, first.Token, f.tracker.LastToken(), "cursor does not move on a failed fetch")
	assert.NotContains(t, rec.ids(), broken.ID)

	_, err = db.Exec(`UPDATE history SET changes = '[]' WHERE seq = ?`, int64(broken.Token.Seq))
	require.NoError(t, err)
	next := f.write(t, "ext", "next")
	f.flush(t)
	assert.Equal(t, next.Token, f.tracker.LastToken())
	assert.Equal(t, []string{first.ID, broken.ID, next.ID}, rec.ids())
}

func TestTracker_CursorNeverRewinds(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker("app", dir, "t.data", WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.advance(cursor.Token{Seq: 5}))
	err = tr.advance(cursor.Token{Seq: 3})
	assert.ErrorIs(t, err, errTokenRewind)
	assert.ErrorIs(t, tr.advance(cursor.Token{Seq: 5}), errTokenRewind)
	assert.Equal(t, cursor.Token{Seq: 5}, tr.LastToken())

	persisted, err := cursor.NewFile(dir, "t.data").Load()
	require.NoError(t, err)
	assert.Equal(t, cursor.Token{Seq: 5}, persisted)
}

func TestTracker_ClosedRejectsReload(t *testing.T) {
	tr, err := NewTracker("app", t.TempDir(), "t.data", WithLogger(logging.Discard()))
	require.NoError(t, err)
	tr.Close()
	tr.Close()
	assert.False(t, tr.DispatchReload(func() {}))
}

type mockMetrics struct {
	mu        sync.Mutex
	durations map[string]int
	merged    int
	errors    map[string]string
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{durations: make(map[string]int), errors: make(map[string]string)}
}

func (m *mockMetrics) RecordDuration(op string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[op]++
}

func (m *mockMetrics) RecordMerged(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merged += count
}

func (m *mockMetrics) RecordErrors(op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[op] = reason
}

func TestTracker_RecordsMetrics(t *testing.T) {
	metrics := newMockMetrics()
	f := newFixture(t, t.TempDir(), WithMetrics(metrics))

	f.write(t, "ext", "a")
	f.write(t, "ext", "b")
	f.flush(t)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.merged)
	assert.GreaterOrEqual(t, metrics.durations[metricMerge], 1)
	assert.Equal(t, 1, metrics.durations[metricReload])
	assert.Empty(t, metrics.errors)
}
