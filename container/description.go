// Package container owns the lifecycle of the stack's storage containers: it
// builds a container for a sync mode, loads and detaches its stores, and
// publishes the active one.
package container

import (
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/model"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// CloudOptions connect a store to a cloud account. A description without
// them is local only.
type CloudOptions struct {
	Account      string
	Backend      cloud.Backend
	PollInterval time.Duration
	BatchSize    int
	Retry        *cloud.RetryConfig
	OnEvent      func(cloud.Event)
}

// Description describes one store of a container.
type Description struct {
	Path   string
	Driver string
	Model  *model.Model

	HistoryTracking           bool
	RemoteChangeNotifications bool
	MigrateAutomatically      bool
	InferMappingAutomatically bool

	Cloud *CloudOptions
}

// describe builds the store description for mode: shared model, the
// container's path, history tracking, remote change notifications and
// lightweight migration. LocalOnly strips the cloud options.
func describe(cfg *Config, m *model.Model, mode types.Mode) Description {
	d := Description{
		Path:                      cfg.StorePath(),
		Driver:                    cfg.Driver,
		Model:                     m,
		HistoryTracking:           true,
		RemoteChangeNotifications: true,
		MigrateAutomatically:      true,
		InferMappingAutomatically: true,
	}
	if mode == types.CloudSynced && cfg.Cloud != nil {
		opts := *cfg.Cloud
		d.Cloud = &opts
	}
	return d
}

func (d Description) storeConfig() *sqlite.Config {
	cfg := sqlite.DefaultConfig(d.Path, d.Model)
	if d.Driver != "" {
		cfg.Driver = d.Driver
	}
	cfg.HistoryTracking = d.HistoryTracking
	cfg.RemoteChangeNotifications = d.RemoteChangeNotifications
	cfg.MigrateAutomatically = d.MigrateAutomatically
	cfg.InferMappingAutomatically = d.InferMappingAutomatically
	return cfg
}
