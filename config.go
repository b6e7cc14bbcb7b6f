// Package persistentstack keeps an application's local store and its
// cloud-synced counterpart behind one entry point. The Stack swaps storage
// containers when cloud sync is turned on or off and merges transactions
// written by other processes into the view context.
package persistentstack

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/container"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/history"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

const component = stackerrors.Component("persistentstack")

const (
	DefaultContainerName = "PersistentStack"
	// DefaultTokenDirName is created under the container directory.
	DefaultTokenDirName = "PersistentHistoryTokens"
)

// CloudConfig connects CloudSynced containers to a backend account.
type CloudConfig struct {
	Account      string
	Backend      cloud.Backend
	PollInterval time.Duration
	BatchSize    int
	// Retry is cloud.DefaultRetryConfig when nil.
	Retry *cloud.RetryConfig
}

// Configuration describes a Stack. Build it with NewConfiguration; it is not
// modified afterwards.
type Configuration struct {
	Author        string
	ContainerName string
	ContainerDir  string
	ModelPath     string
	MergePolicy   types.MergePolicy
	TokenDir      string
	TokenFile     string
	Driver        string
	Cloud         *CloudConfig

	OnLoadError func(container.Description, error)
	Metrics     history.MetricsCollector
	Logger      *logging.Logger
}

// Option is a functional option for NewConfiguration.
type Option func(*Configuration) error

// NewConfiguration returns the configuration for author's stack over the
// model at modelPath. The token file defaults to "<author>-last-token.data".
func NewConfiguration(author, containerName, modelPath string, opts ...Option) (*Configuration, error) {
	if containerName == "" {
		containerName = DefaultContainerName
	}
	cfg := &Configuration{
		Author:        author,
		ContainerName: containerName,
		ModelPath:     modelPath,
		MergePolicy:   types.MergeByPropertyObjectTrump,
		TokenFile:     fmt.Sprintf("%s-last-token.data", author),
		Driver:        sqlite.DriverCGO,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig, err)
		}
	}

	if cfg.ContainerDir == "" {
		dir, err := defaultDirectory()
		if err != nil {
			return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig, err)
		}
		cfg.ContainerDir = dir
	}
	if cfg.TokenDir == "" {
		cfg.TokenDir = filepath.Join(cfg.ContainerDir, DefaultTokenDirName)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent(logging.Component(component))
	}
	if cfg.ModelPath == "" {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig, "model path is required")
	}
	if cfg.Cloud != nil && (cfg.Cloud.Account == "" || cfg.Cloud.Backend == nil) {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig,
			"cloud configuration requires an account and a backend")
	}
	return cfg, nil
}

func defaultDirectory() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no default container directory: %w", err)
	}
	return filepath.Join(base, "persistent-stack"), nil
}

// WithContainerDir sets where the store file lives.
func WithContainerDir(dir string) Option {
	return func(c *Configuration) error {
		if dir == "" {
			return fmt.Errorf("container directory must not be empty")
		}
		c.ContainerDir = dir
		return nil
	}
}

// WithMergePolicy sets the policy of the view and background contexts.
func WithMergePolicy(p types.MergePolicy) Option {
	return func(c *Configuration) error {
		c.MergePolicy = p
		return nil
	}
}

// WithTokenLocation overrides the history token directory and file name. An
// empty argument keeps its default.
func WithTokenLocation(dir, file string) Option {
	return func(c *Configuration) error {
		if dir != "" {
			c.TokenDir = dir
		}
		if file != "" {
			c.TokenFile = file
		}
		return nil
	}
}

// WithDriver selects the database/sql driver, sqlite.DriverCGO or
// sqlite.DriverPureGo.
func WithDriver(name string) Option {
	return func(c *Configuration) error {
		switch name {
		case sqlite.DriverCGO, sqlite.DriverPureGo:
			c.Driver = name
			return nil
		default:
			return fmt.Errorf("unsupported sqlite driver %q", name)
		}
	}
}

// WithCloud enables cloud-synced containers.
func WithCloud(cc CloudConfig) Option {
	return func(c *Configuration) error {
		c.Cloud = &cc
		return nil
	}
}

// WithLoadErrorHandler is called for every store that fails to load.
func WithLoadErrorHandler(fn func(container.Description, error)) Option {
	return func(c *Configuration) error {
		c.OnLoadError = fn
		return nil
	}
}

// WithMetrics receives merge durations, merged counts and merge failures.
func WithMetrics(m history.MetricsCollector) Option {
	return func(c *Configuration) error {
		c.Metrics = m
		return nil
	}
}

// WithLogger replaces the default logger of the stack and its components.
func WithLogger(l *logging.Logger) Option {
	return func(c *Configuration) error {
		c.Logger = l
		return nil
	}
}
