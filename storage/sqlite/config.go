package sqlite

import (
	"fmt"
	"net/url"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/model"
)

// Driver names accepted by Config.Driver.
const (
	// DriverCGO is github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPureGo is modernc.org/sqlite.
	DriverPureGo = "sqlite"
)

// Config holds configuration options for a Store.
//
// Defaults applied by setDefaults:
//   - driver: DriverCGO
//   - WAL journal, 5s busy timeout
//   - a single pooled connection (SQLite allows one writer)
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	Driver string

	// Model is the schema the store is opened with. Required.
	Model *model.Model

	// HistoryTracking records every commit in the history table.
	HistoryTracking bool

	// RemoteChangeNotifications publishes a RemoteChange after every commit and import.
	RemoteChangeNotifications bool

	// MigrateAutomatically allows opening a store created with a different model
	// version. Without it such a store fails to load.
	MigrateAutomatically bool

	// InferMappingAutomatically lets migration drop objects whose entity no
	// longer exists in the model. Without it those objects fail the migration.
	InferMappingAutomatically bool

	EnableWAL   bool
	BusyTimeout time.Duration

	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	Logger *logging.Logger
}

// DefaultConfig returns a Config for path with history tracking, remote change
// notifications and automatic lightweight migration enabled.
func DefaultConfig(path string, m *model.Model) *Config {
	c := &Config{
		Path:                      path,
		Model:                     m,
		HistoryTracking:           true,
		RemoteChangeNotifications: true,
		MigrateAutomatically:      true,
		InferMappingAutomatically: true,
		EnableWAL:                 true,
	}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverCGO
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 1
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("storage/sqlite"))
	}
}

// dataSourceName builds the driver specific DSN. The two drivers spell pragmas
// differently.
func (c *Config) dataSourceName() (string, error) {
	if c.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	q := url.Values{}
	busy := fmt.Sprint(c.BusyTimeout.Milliseconds())
	switch c.Driver {
	case DriverCGO:
		q.Set("_busy_timeout", busy)
		q.Set("_foreign_keys", "on")
		if c.EnableWAL {
			q.Set("_journal_mode", "WAL")
		}
	case DriverPureGo:
		q.Add("_pragma", "busy_timeout("+busy+")")
		q.Add("_pragma", "foreign_keys(1)")
		if c.EnableWAL {
			q.Add("_pragma", "journal_mode(WAL)")
		}
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", c.Driver)
	}
	return "file:" + c.Path + "?" + q.Encode(), nil
}
