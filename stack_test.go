package persistentstack

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/container"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/settings"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testModel = `
name: Bookmarks
version: 1
entities:
  - name: Bookmark
    properties:
      - {name: url, type: string}
`

func writeModel(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testModel), 0o644))
	return path
}

func newStack(t *testing.T, cloudEnabled bool, opts ...Option) *Stack {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithContainerDir(dir), WithLogger(logging.Discard())}, opts...)
	cfg, err := NewConfiguration("app", "Bookmarks", writeModel(t, dir), opts...)
	require.NoError(t, err)
	s, err := New(cfg, cloudEnabled)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func flush(t *testing.T, s *Stack) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func TestNewConfiguration_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewConfiguration("app", "", "model.yaml", WithContainerDir(dir))
	require.NoError(t, err)

	assert.Equal(t, DefaultContainerName, cfg.ContainerName)
	assert.Equal(t, filepath.Join(dir, DefaultTokenDirName), cfg.TokenDir)
	assert.Equal(t, "app-last-token.data", cfg.TokenFile)
	assert.Equal(t, types.MergeByPropertyObjectTrump, cfg.MergePolicy)
	assert.Equal(t, sqlite.DriverCGO, cfg.Driver)
	assert.NotNil(t, cfg.Logger)

	cfg, err = NewConfiguration("app", "X", "model.yaml",
		WithContainerDir(dir),
		WithTokenLocation("", "custom.data"),
		WithDriver(sqlite.DriverPureGo),
		WithMergePolicy(types.Overwrite),
	)
	require.NoError(t, err)
	assert.Equal(t, "custom.data", cfg.TokenFile)
	assert.Equal(t, filepath.Join(dir, DefaultTokenDirName), cfg.TokenDir)
	assert.Equal(t, sqlite.DriverPureGo, cfg.Driver)
	assert.Equal(t, types.Overwrite, cfg.MergePolicy)
}

func TestNewConfiguration_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]Option{
		"bad driver":       {WithContainerDir(dir), WithDriver("postgres")},
		"empty dir":        {WithContainerDir("")},
		"cloud incomplete": {WithContainerDir(dir), WithCloud(CloudConfig{Account: "alice"})},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfiguration("app", "X", "model.yaml", opts...)
			assert.Equal(t, stackerrors.KindInvalidConfig, stackerrors.KindOf(err))
		})
	}

	_, err := NewConfiguration("app", "X", "", WithContainerDir(dir))
	assert.Equal(t, stackerrors.KindInvalidConfig, stackerrors.KindOf(err))
}

func TestNew_MissingModelIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewConfiguration("app", "X", filepath.Join(dir, "missing.yaml"),
		WithContainerDir(dir), WithLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = New(cfg, false)
	assert.Equal(t, stackerrors.KindInvalidConfig, stackerrors.KindOf(err))
}

func TestStack_ReconfigureIsIdempotent(t *testing.T) {
	s := newStack(t, false)
	assert.False(t, s.IsLoaded())

	var mu sync.Mutex
	reloads := 0
	cancel := s.SubscribeReload(func(*container.Container) {
		mu.Lock()
		reloads++
		mu.Unlock()
	})
	defer cancel()

	assert.True(t, s.ReconfigureIfNeeded(false))
	flush(t, s)
	assert.True(t, s.IsLoaded())
	assert.False(t, s.IsCloudSyncEnabled())
	gen := s.Container().Generation()

	assert.False(t, s.ReconfigureIfNeeded(false))
	flush(t, s)
	assert.Equal(t, gen, s.Container().Generation())
	mu.Lock()
	assert.Equal(t, 1, reloads)
	mu.Unlock()
}

func TestStack_LastToggleWinsWhileSwapsQueued(t *testing.T) {
	s := newStack(t, false)
	require.True(t, s.ReconfigureIfNeeded(false))
	flush(t, s)
	require.False(t, s.IsCloudSyncEnabled())

	gate := make(chan struct{})
	require.True(t, s.tracker.Worker().Submit(func() { <-gate }))

	assert.True(t, s.ReconfigureIfNeeded(true))
	assert.True(t, s.ReconfigureIfNeeded(false), "current mode lags the queued swap")
	assert.False(t, s.ReconfigureIfNeeded(false))
	close(gate)
	flush(t, s)

	assert.True(t, s.IsLoaded())
	assert.False(t, s.IsCloudSyncEnabled())
}

func TestStack_BackgroundContextMergesIntoView(t *testing.T) {
	s := newStack(t, false)
	s.ReconfigureIfNeeded(false)
	flush(t, s)

	var mu sync.Mutex
	var merged []types.Transaction
	s.RegisterMergeHandler(func(_ *container.Container, txs []types.Transaction) {
		mu.Lock()
		merged = append(merged, txs...)
		mu.Unlock()
	})

	ctx := context.Background()
	own := s.NewBackgroundContext()
	assert.Equal(t, "app", own.Author())
	own.Insert("Bookmark", map[string]any{"url": "https://a"})
	_, err := own.Save(ctx)
	require.NoError(t, err)

	ext := s.NewBackgroundContext()
	ext.SetAuthor("share-extension")
	id := ext.Insert("Bookmark", map[string]any{"url": "https://b"})
	txn, err := ext.Save(ctx)
	require.NoError(t, err)
	flush(t, s)

	mu.Lock()
	require.Len(t, merged, 1)
	assert.Equal(t, txn.ID, merged[0].ID)
	mu.Unlock()
	assert.Equal(t, txn.Token, s.LastHistoryToken())

	obj, err := s.ViewContext().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://b", obj.Fields["url"])
}

func runLoader(t *testing.T, l *Loader) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loader did not stop")
		}
	}
}

func TestLoader_AvailableThenDisabled(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	s := newStack(t, true, WithCloud(CloudConfig{Account: "alice", Backend: backend, PollInterval: time.Hour}))

	setup := make(chan struct{})
	var once sync.Once
	cancelEvents := s.SubscribeCloudEvents(func(ev cloud.Event) {
		if ev.Type == cloud.EventSetup && ev.Finished() {
			once.Do(func() { close(setup) })
		}
	})
	defer cancelEvents()

	prefs := settings.NewMemory(true)
	l := NewLoader(s, prefs, availability.Static(availability.Available()))
	stop := runLoader(t, l)
	defer stop()

	require.Eventually(t, func() bool { return s.IsLoaded() && s.IsCloudSyncEnabled() }, 5*time.Second, 10*time.Millisecond)
	select {
	case <-setup:
	case <-time.After(5 * time.Second):
		t.Fatal("no setup event")
	}
	available, known := l.IsAccountAvailable()
	assert.True(t, known)
	assert.True(t, available)

	_, err := backend.Attach(context.Background(), "alice", "intruder")
	assert.ErrorIs(t, err, cloud.ErrAccountBusy)

	require.NoError(t, prefs.SetSyncEnabled(false))
	require.Eventually(t, func() bool { return s.IsLoaded() && !s.IsCloudSyncEnabled() }, 5*time.Second, 10*time.Millisecond)

	lease, err := backend.Attach(context.Background(), "alice", "intruder")
	require.NoError(t, err, "the cloud store was detached")
	require.NoError(t, backend.Detach(context.Background(), lease))
}

func TestLoader_NoAccountStaysLocal(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	backend.SetAccountStatus("alice", availability.StatusNoAccount)
	s := newStack(t, true, WithCloud(CloudConfig{Account: "alice", Backend: backend, PollInterval: time.Hour}))

	reasons := make(chan availability.Availability, 4)
	provider := availability.NewStatusPoller(cloud.StatusSource(backend, "alice"), time.Hour, logging.Discard())
	l := NewLoader(s, settings.NewMemory(true), provider)
	cancel := l.SubscribeUnavailable(func(a availability.Availability) { reasons <- a })
	defer cancel()

	stop := runLoader(t, l)
	defer stop()

	select {
	case a := <-reasons:
		assert.Equal(t, availability.Unavailable(availability.ReasonNoAccount), a)
	case <-time.After(5 * time.Second):
		t.Fatal("no unavailable report")
	}
	require.Eventually(t, func() bool { return s.IsLoaded() && !s.IsCloudSyncEnabled() }, 5*time.Second, 10*time.Millisecond)

	available, known := l.IsAccountAvailable()
	assert.True(t, known)
	assert.False(t, available)
	assert.Empty(t, backend.Records("alice"))
}
