package availability

import (
	"context"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// StatusSource reports the raw status of the cloud account.
type StatusSource interface {
	AccountStatus(ctx context.Context) (AccountStatus, error)
}

// StatusPoller is a Provider that asks a StatusSource at a fixed interval.
type StatusPoller struct {
	source   StatusSource
	interval time.Duration
	logger   *logging.Logger
}

const DefaultPollInterval = 30 * time.Second

func NewStatusPoller(source StatusSource, interval time.Duration, logger *logging.Logger) *StatusPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.WithComponent("availability")
	}
	return &StatusPoller{source: source, interval: interval, logger: logger}
}

// Availability asks the source once immediately and then every interval. A
// failed request is reported as unavailable(unknown).
func (p *StatusPoller) Availability(ctx context.Context) <-chan Availability {
	out := make(chan Availability, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			if !p.send(ctx, out, p.check(ctx)) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (p *StatusPoller) check(ctx context.Context) Availability {
	status, err := p.source.AccountStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.LogError(ctx, err, "unable to fetch account status")
		}
		return FromAccountStatus(nil)
	}
	return FromAccountStatus(&status)
}

func (p *StatusPoller) send(ctx context.Context, out chan<- Availability, a Availability) bool {
	select {
	case out <- a:
		return true
	case <-ctx.Done():
		return false
	}
}

// Static is a Provider that reports one fixed value.
type Static Availability

func (s Static) Availability(ctx context.Context) <-chan Availability {
	out := make(chan Availability, 1)
	out <- Availability(s)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
