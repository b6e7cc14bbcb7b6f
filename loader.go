package persistentstack

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// shutdownTimeout bounds how long Run waits for queued reconfigurations.
const shutdownTimeout = 30 * time.Second

// Loader keeps the stack's mode in line with the sync preference and the
// account availability.
type Loader struct {
	stack   *Stack
	monitor *availability.Monitor
	logger  *logging.Logger
}

// NewLoader wires prefs and provider to stack.
func NewLoader(stack *Stack, prefs availability.PreferenceSource, provider availability.Provider) *Loader {
	logger := stack.logger.WithComponent(logging.Component("loader"))
	return &Loader{
		stack:   stack,
		monitor: availability.NewMonitor(prefs, provider, availability.WithLogger(logger)),
		logger:  logger,
	}
}

// Run applies every combined decision with ReconfigureIfNeeded until ctx is
// done, then waits for the reconfigurations it queued.
func (l *Loader) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.monitor.Run(gctx, func(d availability.Decision) {
			l.stack.ReconfigureIfNeeded(d.Mode == types.CloudSynced)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := l.stack.Flush(flushCtx); err != nil {
			l.logger.LogError(flushCtx, err, "pending reconfigurations did not finish")
		}
		return nil
	})
	return g.Wait()
}

// IsAccountAvailable reports the last account availability; known is false
// until the first report.
func (l *Loader) IsAccountAvailable() (available, known bool) {
	a, ok := l.monitor.Latest()
	return a.IsAvailable(), ok
}

// SubscribeUnavailable registers fn for the reason sync stayed off although
// the user enabled it.
func (l *Loader) SubscribeUnavailable(fn func(availability.Availability)) (cancel func()) {
	return l.monitor.SubscribeUnavailable(fn)
}
