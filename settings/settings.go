// Package settings stores the user's cloud sync preference.
package settings

import (
	"context"
	"sync"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/internal/notify"
)

const component = stackerrors.Component("settings")

// Storage exposes the sync preference as a stream and accepts new values.
type Storage interface {
	// SyncEnabled sends the current preference and then every change until ctx
	// is done, when the channel is closed. Slow readers see the latest value.
	SyncEnabled(ctx context.Context) <-chan bool
	SetSyncEnabled(enabled bool) error
}

// Memory keeps the preference in memory.
type Memory struct {
	mu      sync.RWMutex
	enabled bool
	hub     *notify.Hub[bool]
}

func NewMemory(enabled bool) *Memory {
	return &Memory{enabled: enabled, hub: notify.NewHub[bool]("settings")}
}

func (m *Memory) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Memory) SyncEnabled(ctx context.Context) <-chan bool {
	return stream(ctx, m.hub, m.Enabled)
}

func (m *Memory) SetSyncEnabled(enabled bool) error {
	m.mu.Lock()
	changed := m.enabled != enabled
	m.enabled = enabled
	m.mu.Unlock()
	if changed {
		m.hub.Publish(enabled)
	}
	return nil
}

// stream feeds a channel from hub, coalescing bursts to the latest value.
func stream(ctx context.Context, hub *notify.Hub[bool], current func() bool) <-chan bool {
	out := make(chan bool)
	signal := make(chan struct{}, 1)
	cancel := hub.Subscribe(func(bool) {
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer cancel()
		v := current()
		for {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
			select {
			case <-signal:
				v = current()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
