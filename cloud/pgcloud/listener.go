package pgcloud

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// notification is the payload of notifyChannel.
type notification struct {
	Account string `json:"account"`
	Seq     uint64 `json:"seq"`
}

// listener fans notifyChannel out to per-account watchers. One pq.Listener
// connection serves every watcher of the backend.
type listener struct {
	pq     *pq.Listener
	latest func(context.Context, string) (uint64, error)
	logger *logging.Logger

	mu       sync.Mutex
	watchers map[string]map[int]chan uint64
	nextID   int

	done chan struct{}
	wg   sync.WaitGroup
}

func newListener(config *Config, latest func(context.Context, string) (uint64, error), logger *logging.Logger) (*listener, error) {
	l := &listener{
		latest:   latest,
		logger:   logger,
		watchers: make(map[string]map[int]chan uint64),
		done:     make(chan struct{}),
	}
	l.pq = pq.NewListener(config.ConnectionString, config.MinReconnectInterval, config.MaxReconnectInterval, l.eventCallback)
	if err := l.pq.Listen(notifyChannel); err != nil {
		l.pq.Close()
		return nil, stackerrors.E(stackerrors.OpLoad, component, stackerrors.KindUnavailable, err)
	}
	l.wg.Add(1)
	go l.listenLoop()
	return l, nil
}

func (l *listener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Debug("Connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("Disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("Reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("Connection attempt failed", slog.Any("error", err))
	}
}

func (l *listener) listenLoop() {
	defer l.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.pq.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq sends nil after a reconnect; notifications may have been lost.
				l.catchUp()
				continue
			}
			l.handle(n)
		case <-ping.C:
			if err := l.pq.Ping(); err != nil {
				l.logger.Warn("Ping failed", slog.Any("error", err))
			}
		}
	}
}

func (l *listener) handle(n *pq.Notification) {
	var p notification
	if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
		l.logger.LogError(context.Background(), err, "Error handling notification",
			slog.String("channel", n.Channel))
		return
	}
	l.announce(p.Account, p.Seq)
}

func (l *listener) catchUp() {
	l.mu.Lock()
	accounts := make([]string, 0, len(l.watchers))
	for account := range l.watchers {
		accounts = append(accounts, account)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, account := range accounts {
		seq, err := l.latest(ctx, account)
		if err != nil {
			l.logger.LogError(ctx, err, "Failed to read latest sequence", slog.String("account", account))
			continue
		}
		if seq > 0 {
			l.announce(account, seq)
		}
	}
}

// announce replaces any unread value so a slow watcher sees only the latest.
func (l *listener) announce(account string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.watchers[account] {
		select {
		case <-ch:
		default:
		}
		ch <- seq
	}
}

func (l *listener) watch(ctx context.Context, account string) <-chan uint64 {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	ch := make(chan uint64, 1)
	if l.watchers[account] == nil {
		l.watchers[account] = make(map[int]chan uint64)
	}
	l.watchers[account][id] = ch
	l.mu.Unlock()

	out := make(chan uint64)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(out)
		defer func() {
			l.mu.Lock()
			delete(l.watchers[account], id)
			if len(l.watchers[account]) == 0 {
				delete(l.watchers, account)
			}
			l.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case seq := <-ch:
				select {
				case out <- seq:
				case <-ctx.Done():
					return
				case <-l.done:
					return
				}
			}
		}
	}()
	return out
}

func (l *listener) close() error {
	close(l.done)
	l.wg.Wait()
	return l.pq.Close()
}
