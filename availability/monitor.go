package availability

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/go-persistent-stack/internal/notify"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// Monitor combines a preference stream and an availability stream and hands
// every combined decision to the caller.
type Monitor struct {
	prefs     PreferenceSource
	provider  Provider
	logger    *logging.Logger
	observers *notify.Hub[Availability]

	mu     sync.RWMutex
	latest Availability
	known  bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(l *logging.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMonitor(prefs PreferenceSource, provider Provider, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		prefs:     prefs,
		provider:  provider,
		logger:    logging.WithComponent("availability"),
		observers: notify.NewHub[Availability]("availability"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubscribeUnavailable registers fn for the availability of every decision
// that kept the stack local although the user asked for sync.
func (m *Monitor) SubscribeUnavailable(fn func(Availability)) (cancel func()) {
	return m.observers.Subscribe(fn)
}

// Latest returns the last availability received; ok is false before the first.
func (m *Monitor) Latest() (a Availability, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.known
}

// Run consumes both streams until ctx is done and calls apply with each
// combined decision, on Run's goroutine. Both upstream streams are released on
// return. Run returns nil when ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, apply func(Decision)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefCh := m.prefs.SyncEnabled(ctx)
	availCh := m.provider.Availability(ctx)

	var c Combiner
	for {
		var (
			d  Decision
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case enabled, open := <-prefCh:
			if !open {
				prefCh = nil
				continue
			}
			d, ok = c.SetPreference(enabled)
		case a, open := <-availCh:
			if !open {
				availCh = nil
				continue
			}
			m.mu.Lock()
			m.latest, m.known = a, true
			m.mu.Unlock()
			d, ok = c.SetAvailability(a)
		}
		if !ok {
			continue
		}
		m.handle(ctx, d, apply)
	}
}

func (m *Monitor) handle(ctx context.Context, d Decision, apply func(Decision)) {
	m.logger.InfoContext(ctx, "sync decision",
		slog.Bool("preference", d.Preference),
		slog.String("availability", d.Availability.String()),
		slog.String("mode", d.Mode.String()),
	)
	apply(d)
	if d.Preference && !d.Availability.IsAvailable() {
		m.observers.Publish(d.Availability)
	}
}
