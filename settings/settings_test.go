package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func next(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no value")
		return false
	}
}

func TestMemory_StreamsCurrentAndChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory(false)
	ch := m.SyncEnabled(ctx)
	assert.False(t, next(t, ch))

	require.NoError(t, m.SetSyncEnabled(true))
	assert.True(t, next(t, ch))
	assert.True(t, m.Enabled())

	cancel()
	for range ch {
	}
}

func TestMemory_SlowReaderSeesLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory(false)
	ch := m.SyncEnabled(ctx)
	assert.False(t, next(t, ch))

	require.NoError(t, m.SetSyncEnabled(true))
	require.NoError(t, m.SetSyncEnabled(false))
	require.NoError(t, m.SetSyncEnabled(true))
	assert.True(t, next(t, ch))
}

func TestOpenFile_RequiresYAML(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "settings.txt"), false)
	assert.Equal(t, stackerrors.KindInvalidConfig, stackerrors.KindOf(err))
}

func TestFile_DefaultAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.yaml")
	f, err := OpenFile(path, true, WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.True(t, f.Enabled(), "default applies without a file")

	require.NoError(t, f.SetSyncEnabled(false))
	assert.False(t, f.Enabled())
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "enabled: false")

	g, err := OpenFile(path, true, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer g.Close()
	assert.False(t, g.Enabled())
}

func TestFile_FollowsExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	f, err := OpenFile(path, false, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.SyncEnabled(ctx)
	assert.False(t, next(t, ch))

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  enabled: true\n"), 0o644))
	require.Eventually(t, f.Enabled, 2*time.Second, 10*time.Millisecond)
	assert.True(t, next(t, ch))
}

func TestFile_KeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("theme: dark\nsync:\n  enabled: false\n"), 0o644))

	f, err := OpenFile(path, false, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.SetSyncEnabled(true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "theme: dark")
	assert.Contains(t, string(data), "enabled: true")
}
