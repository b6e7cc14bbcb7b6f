package cloud

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// EventType is the phase of mirroring an Event reports on.
type EventType int

const (
	EventSetup EventType = iota
	EventImport
	EventExport
)

func (t EventType) String() string {
	switch t {
	case EventSetup:
		return "setup"
	case EventImport:
		return "import"
	case EventExport:
		return "export"
	default:
		return "unknown"
	}
}

// Event is published twice per phase: once when it starts (EndDate is zero)
// and once when it ends.
type Event struct {
	Type      EventType
	Account   string
	StoreID   string
	StartDate time.Time
	EndDate   time.Time
	Err       error
}

// Finished reports whether the event marks the end of its phase.
func (e Event) Finished() bool { return !e.EndDate.IsZero() }

// EventMonitor logs mirror events.
type EventMonitor struct {
	logger *logging.Logger
}

func NewEventMonitor(logger *logging.Logger) *EventMonitor {
	if logger == nil {
		logger = logging.WithComponent("cloud/events")
	}
	return &EventMonitor{logger: logger}
}

// Handle logs ev. It has the signature of MirrorConfig.OnEvent.
func (m *EventMonitor) Handle(ev Event) {
	ctx := context.Background()
	attrs := []any{
		slog.String("type", ev.Type.String()),
		slog.String("account", ev.Account),
		slog.String("store_id", ev.StoreID),
	}
	if !ev.Finished() {
		m.logger.DebugContext(ctx, "cloud "+ev.Type.String()+" started", attrs...)
		return
	}
	if ev.Err != nil {
		m.logger.LogError(ctx, ev.Err, "cloud "+ev.Type.String()+" failed",
			slog.String("account", ev.Account),
			slog.String("store_id", ev.StoreID),
		)
		return
	}
	attrs = append(attrs, slog.Duration("duration", ev.EndDate.Sub(ev.StartDate)))
	m.logger.DebugContext(ctx, "cloud "+ev.Type.String()+" ended", attrs...)
}
