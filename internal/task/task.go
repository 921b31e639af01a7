package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task runs a function on a fixed interval until stopped. Each runner owns
// one task; lifecycles are independent. The tick source can be overridden
// for tests so no real sleeping is needed.
type Task struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	logger   *zap.Logger

	ticks <-chan time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option customizes a Task.
type Option func(*Task)

// WithTicks replaces the internal ticker with an external tick channel.
func WithTicks(ch <-chan time.Time) Option {
	return func(t *Task) { t.ticks = ch }
}

// New creates a periodic task. The function receives a context that is
// cancelled when the task stops.
func New(name string, interval time.Duration, fn func(context.Context), logger *zap.Logger, opts ...Option) *Task {
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the task loop. Starting a running task is a no-op.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	ticks := t.ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(t.interval)
		ticks = ticker.C
	}

	t.logger.Info("task started",
		zap.String("task", t.name),
		zap.Duration("interval", t.interval),
	)

	go func() {
		defer close(t.done)
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				t.fn(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current iteration to finish.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
	t.logger.Info("task stopped", zap.String("task", t.name))
}

// Running reports whether the task loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
