package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"fundrails/internal/metrics"

	"go.uber.org/zap"
)

// ErrSkipped is returned by RunOnce when another run holds the guard.
var ErrSkipped = errors.New("task already running")

// Task runs fn on a fixed delay: the next run starts Interval after the
// previous one finished.
type Task struct {
	Name     string
	Interval time.Duration
	Guard    Guard
	Fn       func(ctx context.Context) error

	logger  *zap.Logger
	metrics *metrics.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTask(name string, interval time.Duration, guard Guard, fn func(context.Context) error, logger *zap.Logger, m *metrics.Registry) *Task {
	if guard == nil {
		guard = &LocalGuard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{
		Name:     name,
		Interval: interval,
		Guard:    guard,
		Fn:       fn,
		logger:   logger.Named("scheduler").With(zap.String("task", name)),
		metrics:  m,
	}
}

// RunOnce executes fn under the guard. Manual triggers use it too, so they
// are skipped while a scheduled run is in flight.
func (t *Task) RunOnce(ctx context.Context) error {
	return t.RunWith(ctx, t.Fn)
}

// RunWith runs fn in place of the task function, under the same guard.
func (t *Task) RunWith(ctx context.Context, fn func(context.Context) error) error {
	release, ok, err := t.Guard.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		t.metrics.IncSchedulerSkip(t.Name)
		t.logger.Debug("run skipped, previous run in flight")
		return ErrSkipped
	}
	defer release()
	return fn(ctx)
}

// Start launches the loop. The first run happens immediately.
func (t *Task) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.loop(ctx)

	t.logger.Info("task started", zap.Duration("interval", t.Interval))
}

// Stop cancels the loop and waits for the current run to return.
func (t *Task) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("task stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) loop(ctx context.Context) {
	defer t.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		err := t.RunOnce(ctx)
		switch {
		case err == nil, errors.Is(err, ErrSkipped):
		case ctx.Err() != nil:
			return
		default:
			t.logger.Error("run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		}
		timer.Reset(t.Interval)
	}
}
