// Package history merges transactions written by other authors into the
// active container and keeps the durable cursor of what has been merged.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

const component = stackerrors.Component("history")

// Worker runs jobs one at a time in submission order. Submit never blocks; the
// queue is unbounded.
type Worker struct {
	name   string
	logger *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewWorker starts a worker. name appears in its log lines.
func NewWorker(name string, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	w := &Worker{
		name:   name,
		logger: logger,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// Submit queues fn. It reports false when the worker is closed.
func (w *Worker) Submit(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.queue = append(w.queue, fn)
	w.cond.Signal()
	return true
}

// SubmitWait queues fn and waits until it has run. It must not be called from
// a job on the same worker.
func (w *Worker) SubmitWait(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !w.Submit(func() {
		defer close(ran)
		fn()
	}) {
		return stackerrors.E(component, stackerrors.KindClosed, fmt.Sprintf("worker %s is closed", w.name))
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every job queued before the call has run.
func (w *Worker) Flush(ctx context.Context) error {
	return w.SubmitWait(ctx, func() {})
}

// Close stops accepting jobs, runs the ones already queued and waits for the
// worker goroutine to exit.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.run(fn)
	}
}

func (w *Worker) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker job panicked",
				slog.String("worker", w.name),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}
