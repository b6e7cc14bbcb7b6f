package httpcloud

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/model"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*cloud.MemoryBackend, *Client) {
	t.Helper()
	backend := cloud.NewMemoryBackend()
	opts = append(opts, WithServerLogger(logging.Discard()), WithHeartbeat(10*time.Millisecond))
	srv := httptest.NewServer(NewServer(backend, opts...))
	t.Cleanup(srv.Close)
	return backend, NewClient(srv.URL, srv.Client(), WithClientLogger(logging.Discard()))
}

func TestClient_AttachIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, c := newTestServer(t)

	lease, err := c.Attach(ctx, "alice", "store-1")
	require.NoError(t, err)
	assert.Equal(t, "store-1", lease.StoreID)
	assert.NotEmpty(t, lease.ID)

	_, err = c.Attach(ctx, "alice", "store-2")
	assert.ErrorIs(t, err, cloud.ErrAccountBusy)

	require.NoError(t, c.Detach(ctx, lease))
	assert.ErrorIs(t, c.Detach(ctx, lease), cloud.ErrLeaseNotHeld)
}

func TestClient_PushPull(t *testing.T) {
	ctx := context.Background()
	_, c := newTestServer(t)
	lease, err := c.Attach(ctx, "alice", "store-1")
	require.NoError(t, err)

	// Large enough to be gzip encoded in both directions.
	var txs []types.Transaction
	for i := 0; i < 50; i++ {
		txs = append(txs, types.Transaction{
			ID:     fmt.Sprintf("tx-%d", i),
			Author: "app",
			Changes: []types.Change{{Kind: types.ChangeInsert,
				Object: types.ObjectID{Entity: "Note", ID: fmt.Sprint(i)},
				Fields: map[string]any{"body": strings.Repeat("x", 40)}}},
		})
	}
	latest, err := c.Push(ctx, lease, txs)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), latest)

	recs, err := c.Pull(ctx, lease, 10, 5)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, uint64(11), recs[0].Seq)
	assert.Equal(t, "tx-10", recs[0].Transaction.ID)
	assert.Equal(t, strings.Repeat("x", 40), recs[0].Transaction.Changes[0].Fields["body"])

	recs, err = c.Pull(ctx, lease, 50, 5)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestClient_AccountStatus(t *testing.T) {
	backend, c := newTestServer(t)
	backend.SetAccountStatus("bob", availability.StatusTemporarilyUnavailable)

	status, err := c.AccountStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, availability.StatusAvailable, status)

	status, err = c.AccountStatus(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, availability.StatusTemporarilyUnavailable, status)

	_, err = c.Attach(context.Background(), "bob", "store-1")
	assert.ErrorIs(t, err, cloud.ErrAccountUnavailable)
}

func TestClient_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend, c := newTestServer(t)

	updates, err := c.Watch(ctx, "alice")
	require.NoError(t, err)

	lease, err := backend.Attach(ctx, "alice", "store-1")
	require.NoError(t, err)
	// The server subscribes before it writes the connected comment, so the
	// push is announced.
	_, err = backend.Push(ctx, lease, []types.Transaction{{ID: "a"}})
	require.NoError(t, err)

	select {
	case seq := <-updates:
		assert.Equal(t, uint64(1), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event")
	}

	cancel()
	for range updates {
	}
}

func TestServer_RejectsBadBodies(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	srv := httptest.NewServer(NewServer(backend,
		WithServerLogger(logging.Discard()),
		WithMaxDecompressedSize(64),
	))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/attach", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/attach", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/attach", "application/json", strings.NewReader(`{"account":"alice"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	fmt.Fprintf(gz, `{"account":"%s","store_id":"s"}`, strings.Repeat("a", 200))
	require.NoError(t, gz.Close())
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/attach", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/attach")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMirrorOverHTTP(t *testing.T) {
	ctx := context.Background()
	backend, c := newTestServer(t)

	m, err := model.Parse([]byte("name: Notes\nversion: 1\nentities:\n  - name: Note\n    properties:\n      - {name: body, type: string}\n"))
	require.NoError(t, err)
	cfg := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "notes.sqlite"), m)
	cfg.Logger = logging.Discard()
	store, err := sqlite.Open(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Commit(ctx, "app", types.MergeByPropertyObjectTrump, []types.Change{{
		Kind: types.ChangeInsert, Object: types.ObjectID{Entity: "Note", ID: "1"}, Fields: map[string]any{"body": "hi"},
	}})
	require.NoError(t, err)

	mirror := cloud.NewMirror(store, c, cloud.MirrorConfig{Account: "alice", PollInterval: time.Hour, Logger: logging.Discard()})
	require.NoError(t, mirror.Start(ctx))
	require.NoError(t, mirror.Sync(ctx))
	require.NoError(t, mirror.Stop(ctx))

	recs := backend.Records("alice")
	require.Len(t, recs, 1)
	assert.Equal(t, store.ID(), recs[0].Transaction.StoreID)
}
