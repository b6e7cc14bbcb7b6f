// Package sqlite implements the persistent store engine of the stack on SQLite.
//
// A Store keeps the current objects in a records table and, when history
// tracking is enabled, an append-only history table of transactions. Each history
// row gets a monotonically increasing sequence number that serves as the change
// token.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	stdsync "sync"

	"github.com/google/uuid"
	// Go SQLite drivers
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/internal/notify"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

const component = stackerrors.Component("storage/sqlite")

// Operation constants for consistent error reporting
const (
	opOpen    = stackerrors.Operation("sqlite.Open")
	opCommit  = stackerrors.Operation("sqlite.Commit")
	opImport  = stackerrors.Operation("sqlite.Import")
	opHistory = stackerrors.Operation("sqlite.FetchHistory")
	opGet     = stackerrors.Operation("sqlite.Get")
	opList    = stackerrors.Operation("sqlite.List")
	opMeta    = stackerrors.Operation("sqlite.Meta")
	opMigrate = stackerrors.Operation("sqlite.Migrate")
)

const (
	metaStoreID      = "store_id"
	metaModelName    = "model_name"
	metaModelVersion = "model_version"
)

var (
	ErrStoreClosed = errors.New("store is closed")
	ErrNotFound    = errors.New("object not found")
	// ErrMalformedTransaction is returned when a history row cannot be decoded.
	ErrMalformedTransaction = errors.New("malformed history transaction")
)

// RemoteChange is published after the store's contents change.
type RemoteChange struct {
	StoreID string
	Token   cursor.Token
	Author  string
}

// Store is one attached SQLite database.
type Store struct {
	db      *sql.DB
	cfg     Config
	id      string
	logger  *logging.Logger
	changes *notify.Hub[RemoteChange]

	mu     stdsync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database described by config, creates the
// schema and checks the model version.
func Open(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, stackerrors.E(opOpen, component, stackerrors.KindInvalidConfig, "config cannot be nil")
	}
	cfg := *config
	cfg.setDefaults()
	if cfg.Model == nil {
		return nil, stackerrors.E(opOpen, component, stackerrors.KindInvalidConfig, "model is required")
	}

	dsn, err := cfg.dataSourceName()
	if err != nil {
		return nil, stackerrors.E(opOpen, component, stackerrors.KindInvalidConfig, err)
	}

	logger := cfg.Logger
	logger.DebugContext(ctx, "opening sqlite database",
		slog.String("path", cfg.Path),
		slog.String("driver", cfg.Driver),
		slog.Bool("wal_enabled", cfg.EnableWAL),
	)

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, stackerrors.E(opOpen, component, stackerrors.KindLoad, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, stackerrors.E(opOpen, component, stackerrors.KindLoad, err)
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		changes: notify.NewHub[RemoteChange]("store"),
	}
	if err := s.setupSchema(ctx); err != nil {
		db.Close()
		return nil, stackerrors.E(opOpen, component, stackerrors.KindLoad, err, "setup schema")
	}
	if err := s.checkModel(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if s.id, err = s.ensureStoreID(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.InfoContext(ctx, "store loaded",
		slog.String("store_id", s.id),
		slog.String("path", cfg.Path),
		slog.Int("model_version", cfg.Model.Version),
	)
	return s, nil
}

func (s *Store) setupSchema(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS meta (
        key   TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS records (
        entity     TEXT NOT NULL,
        id         TEXT NOT NULL,
        fields     TEXT NOT NULL,
        updated_at INTEGER NOT NULL,
        PRIMARY KEY (entity, id)
    );
    CREATE TABLE IF NOT EXISTS history (
        seq        INTEGER PRIMARY KEY AUTOINCREMENT,
        txid       TEXT NOT NULL UNIQUE,
        author     TEXT NOT NULL,
        origin     TEXT NOT NULL DEFAULT 'local',
        created_at INTEGER NOT NULL,
        changes    TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_history_author ON history (author);
    CREATE INDEX IF NOT EXISTS idx_history_origin ON history (origin, seq);
    `
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// checkModel compares the stored model version with the configured model and
// migrates when allowed.
func (s *Store) checkModel(ctx context.Context) error {
	m := s.cfg.Model
	stored, ok, err := s.Meta(ctx, metaModelVersion)
	if err != nil {
		return err
	}
	want := strconv.Itoa(m.Version)
	if !ok {
		return s.setMetaPairs(ctx, metaModelName, m.Name, metaModelVersion, want)
	}
	if stored == want {
		return nil
	}
	if !s.cfg.MigrateAutomatically {
		return stackerrors.E(opMigrate, component, stackerrors.KindLoad,
			fmt.Errorf("store %s has model version %s, model is %s and automatic migration is disabled", s.cfg.Path, stored, want))
	}
	return s.migrate(ctx, stored, want)
}

// migrate performs a lightweight migration: the records table is schemaless, so
// only objects of entities that vanished from the model need handling.
func (s *Store) migrate(ctx context.Context, from, to string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity FROM records`)
	if err != nil {
		return stackerrors.E(opMigrate, component, stackerrors.KindLoad, err)
	}
	var orphaned []string
	for rows.Next() {
		var entity string
		if err := rows.Scan(&entity); err != nil {
			rows.Close()
			return stackerrors.E(opMigrate, component, stackerrors.KindLoad, err)
		}
		if _, ok := s.cfg.Model.Entity(entity); !ok {
			orphaned = append(orphaned, entity)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stackerrors.E(opMigrate, component, stackerrors.KindLoad, err)
	}

	if len(orphaned) > 0 && !s.cfg.InferMappingAutomatically {
		return stackerrors.E(opMigrate, component, stackerrors.KindLoad,
			fmt.Errorf("no mapping for entities %v removed from the model", orphaned))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stackerrors.E(opMigrate, component, stackerrors.KindLoad, err)
	}
	defer tx.Rollback()
	for _, entity := range orphaned {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity = ?`, entity); err != nil {
			return stackerrors.E(opMigrate, component, stackerrors.KindLoad, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?), (?, ?)`,
		metaModelName, s.cfg.Model.Name, metaModelVersion, to); err != nil {
		return stackerrors.E(opMigrate, component, stackerrors.KindLoad, err)
	}
	if err := tx.Commit(); err != nil {
		return stackerrors.E(opMigrate, component, stackerrors.KindLoad, err)
	}

	s.logger.Info("store migrated",
		slog.String("path", s.cfg.Path),
		slog.String("from_version", from),
		slog.String("to_version", to),
		slog.Any("dropped_entities", orphaned),
	)
	return nil
}

func (s *Store) ensureStoreID(ctx context.Context) (string, error) {
	id, ok, err := s.Meta(ctx, metaStoreID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.SetMeta(ctx, metaStoreID, id); err != nil {
		return "", err
	}
	return id, nil
}

// ID returns the store's persistent identifier, generated when the file was created.
func (s *Store) ID() string { return s.id }

// Path returns the database file path.
func (s *Store) Path() string { return s.cfg.Path }

// Config returns a copy of the configuration the store was opened with.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stackerrors.E(component, stackerrors.KindClosed, ErrStoreClosed)
	}
	return nil
}

// Meta reads a key from the meta table.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, stackerrors.WrapOpComponentKind(err, opMeta, component, stackerrors.KindStorage)
	}
	return v, true, nil
}

// SetMeta writes a key to the meta table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.setMetaPairs(ctx, key, value)
}

func (s *Store) setMetaPairs(ctx context.Context, kv ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stackerrors.WrapOpComponentKind(err, opMeta, component, stackerrors.KindStorage)
	}
	defer tx.Rollback()
	for i := 0; i+1 < len(kv); i += 2 {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, kv[i], kv[i+1]); err != nil {
			return stackerrors.WrapOpComponentKind(err, opMeta, component, stackerrors.KindStorage)
		}
	}
	return stackerrors.WrapOpComponentKind(tx.Commit(), opMeta, component, stackerrors.KindStorage)
}

// Get returns one object.
func (s *Store) Get(ctx context.Context, id types.ObjectID) (types.Object, error) {
	if err := s.checkOpen(); err != nil {
		return types.Object{}, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM records WHERE entity = ? AND id = ?`, id.Entity, id.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Object{}, stackerrors.E(opGet, component, stackerrors.KindNotFound, ErrNotFound, id.String())
	}
	if err != nil {
		return types.Object{}, stackerrors.WrapOpComponentKind(err, opGet, component, stackerrors.KindStorage)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return types.Object{}, stackerrors.WrapOpComponentKind(err, opGet, component, stackerrors.KindStorage)
	}
	return types.Object{ID: id, Fields: fields}, nil
}

// List returns every object of an entity ordered by id.
func (s *Store) List(ctx context.Context, entity string) ([]types.Object, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, fields FROM records WHERE entity = ? ORDER BY id`, entity)
	if err != nil {
		return nil, stackerrors.WrapOpComponentKind(err, opList, component, stackerrors.KindStorage)
	}
	defer rows.Close()

	var out []types.Object
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, stackerrors.WrapOpComponentKind(err, opList, component, stackerrors.KindStorage)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, stackerrors.WrapOpComponentKind(err, opList, component, stackerrors.KindStorage)
		}
		out = append(out, types.Object{ID: types.ObjectID{Entity: entity, ID: id}, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, stackerrors.WrapOpComponentKind(err, opList, component, stackerrors.KindStorage)
	}
	return out, nil
}

// SubscribeRemoteChanges registers fn for change notifications. Nothing is
// published unless the store was opened with RemoteChangeNotifications.
func (s *Store) SubscribeRemoteChanges(fn func(RemoteChange)) (cancel func()) {
	return s.changes.Subscribe(fn)
}

func (s *Store) publish(tx types.Transaction) {
	if !s.cfg.RemoteChangeNotifications {
		return
	}
	s.changes.Publish(RemoteChange{StoreID: s.id, Token: tx.Token, Author: tx.Author})
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decodeFields(raw string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
