package cloud

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
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

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	m, err := model.Parse([]byte(testModel))
	require.NoError(t, err)
	cfg := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "notes.sqlite"), m)
	cfg.Logger = logging.Discard()
	s, err := sqlite.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func note(id, body string) []types.Change {
	return []types.Change{{Kind: types.ChangeInsert, Object: types.ObjectID{Entity: "Note", ID: id},
		Fields: map[string]any{"body": body}}}
}

func newMirror(s Store, b Backend, onEvent func(Event)) *Mirror {
	return NewMirror(s, b, MirrorConfig{
		Account:      "alice",
		PollInterval: time.Hour,
		OnEvent:      onEvent,
		Logger:       logging.Discard(),
	})
}

func TestMemoryBackend_LeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	l1, err := b.Attach(ctx, "alice", "store-1")
	require.NoError(t, err)

	_, err = b.Attach(ctx, "alice", "store-2")
	assert.ErrorIs(t, err, ErrAccountBusy)

	_, err = b.Attach(ctx, "bob", "store-2")
	assert.NoError(t, err)

	require.NoError(t, b.Detach(ctx, l1))
	assert.ErrorIs(t, b.Detach(ctx, l1), ErrLeaseNotHeld)

	_, err = b.Attach(ctx, "alice", "store-2")
	assert.NoError(t, err)
}

func TestMemoryBackend_PushDeduplicatesAndPullPages(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	l, err := b.Attach(ctx, "alice", "store-1")
	require.NoError(t, err)

	txs := []types.Transaction{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	latest, err := b.Push(ctx, l, txs)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest)

	latest, err = b.Push(ctx, l, txs[1:])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest)

	recs, err := b.Pull(ctx, l, 1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].Seq)
	assert.Equal(t, "b", recs[0].Transaction.ID)
	assert.Equal(t, "store-1", recs[0].Transaction.StoreID)

	recs, err = b.Pull(ctx, l, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = b.Pull(ctx, Lease{Account: "alice", ID: "stale"}, 0, 10)
	assert.ErrorIs(t, err, ErrLeaseNotHeld)
}

func TestMemoryBackend_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBackend()
	l, err := b.Attach(ctx, "alice", "store-1")
	require.NoError(t, err)

	updates, err := b.Watch(ctx, "alice")
	require.NoError(t, err)

	_, err = b.Push(ctx, l, []types.Transaction{{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), <-updates)

	cancel()
	for range updates {
	}
}

func TestMemoryBackend_UnavailableAccount(t *testing.T) {
	b := NewMemoryBackend()
	b.SetAccountStatus("alice", availability.StatusNoAccount)

	_, err := b.Attach(context.Background(), "alice", "store-1")
	assert.ErrorIs(t, err, ErrAccountUnavailable)
	assert.Equal(t, stackerrors.KindUnavailable, stackerrors.KindOf(err))

	status, err := StatusSource(b, "alice").AccountStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, availability.StatusNoAccount, status)
}

func TestMirror_ExportThenImportOnAnotherStore(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	phone, laptop := openStore(t), openStore(t)

	_, err := phone.Commit(ctx, "app", types.MergeByPropertyObjectTrump, note("1", "hello"))
	require.NoError(t, err)

	pm := newMirror(phone, b, nil)
	require.NoError(t, pm.Start(ctx))
	require.NoError(t, pm.Sync(ctx))
	require.NoError(t, pm.Stop(ctx))
	require.Len(t, b.Records("alice"), 1)

	lm := newMirror(laptop, b, nil)
	require.NoError(t, lm.Start(ctx))
	require.NoError(t, lm.Sync(ctx))
	require.NoError(t, lm.Sync(ctx))
	require.NoError(t, lm.Stop(ctx))

	obj, err := laptop.Get(ctx, types.ObjectID{Entity: "Note", ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", obj.Fields["body"])

	imported, err := laptop.FetchHistory(ctx, sqlite.HistoryQuery{Origin: sqlite.OriginCloud})
	require.NoError(t, err)
	require.Len(t, imported, 1)
	assert.Equal(t, "app", imported[0].Author)

	// Imported transactions are not exported back.
	assert.Len(t, b.Records("alice"), 1)
}

func TestMirror_SecondStoreCannotAttachUntilStop(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	first := newMirror(openStore(t), b, nil)
	second := newMirror(openStore(t), b, nil)

	require.NoError(t, first.Start(ctx))
	err := second.Start(ctx)
	require.ErrorIs(t, err, ErrAccountBusy)

	require.NoError(t, first.Stop(ctx))
	require.NoError(t, first.Stop(ctx))
	require.NoError(t, second.Start(ctx))
	require.NoError(t, second.Stop(ctx))
}

func TestMirror_Events(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		events []Event
	)
	m := newMirror(openStore(t), NewMemoryBackend(), func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Sync(ctx))
	require.NoError(t, m.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 6)
	assert.Equal(t, EventSetup, events[0].Type)
	assert.False(t, events[0].Finished())
	assert.Equal(t, EventSetup, events[1].Type)
	assert.True(t, events[1].Finished())
	assert.NoError(t, events[1].Err)

	var imports, exports int
	for _, ev := range events {
		switch ev.Type {
		case EventImport:
			imports++
		case EventExport:
			exports++
		}
	}
	assert.Equal(t, 0, imports%2)
	assert.Equal(t, imports, exports)
	assert.GreaterOrEqual(t, imports, 2)
}

func TestMirror_SetupFailureIsReported(t *testing.T) {
	b := NewMemoryBackend()
	b.SetAccountStatus("alice", availability.StatusRestricted)

	var got []Event
	m := newMirror(openStore(t), b, func(ev Event) { got = append(got, ev) })
	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrAccountUnavailable)

	require.Len(t, got, 2)
	assert.Error(t, got[1].Err)

	assert.NoError(t, m.Stop(context.Background()))
	assert.Error(t, m.Sync(context.Background()))
}

func TestEventMonitor(t *testing.T) {
	mon := NewEventMonitor(logging.Discard())
	start := Event{Type: EventImport, StartDate: time.Now()}
	mon.Handle(start)
	start.EndDate = time.Now()
	mon.Handle(start)
	start.Err = ErrLeaseNotHeld
	mon.Handle(start)
	assert.Equal(t, "import", EventImport.String())
}
