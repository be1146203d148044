package command

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	rtsup "ghostbot/internal/runtime/supervisor"
	"ghostbot/pkg/logx"
)

// Handle is a command's background work: tracked tasks plus stop
// callbacks. Tasks and callbacks must be registered before the handle is
// returned from Start.
type Handle struct {
	sup *rtsup.Supervisor

	mu        sync.Mutex
	callbacks []func(ctx context.Context) error
	tasks     int
	stopped   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	stopErr  error
}

// NewHandle creates a handle whose tasks outlive the Start call and end
// only when they return or Stop cancels them.
func NewHandle(log logx.Logger) *Handle {
	return &Handle{
		sup:    rtsup.New(context.Background(), rtsup.WithLogger(log)),
		stopCh: make(chan struct{}),
	}
}

// Go starts a cancellable background task. A task returning
// context.Canceled is a normal stop; any other error is the job's failure.
func (h *Handle) Go(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.tasks++
	h.sup.Go(name, fn)
}

// OnStop registers a callback run by Stop, in registration order.
func (h *Handle) OnStop(fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

// Tasks returns how many background tasks were started.
func (h *Handle) Tasks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tasks
}

// Done is closed when every task has returned. A handle without tasks is
// done only once stopped.
func (h *Handle) Done() <-chan struct{} {
	if h.Tasks() == 0 {
		return h.stopCh
	}
	return h.sup.Done()
}

// Err returns the first task failure, ignoring cancellation.
func (h *Handle) Err() error { return h.sup.Err() }

func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Stop runs the stop callbacks, cancels every task and waits for them.
// Calling Stop again returns the first call's result.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		cbs := h.callbacks
		h.mu.Unlock()

		var errs error
		for _, cb := range cbs {
			if cb == nil {
				continue
			}
			if err := cb(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = errors.CombineErrors(errs, err)
			}
		}

		h.sup.Cancel()
		if err := h.sup.Wait(ctx); err != nil && ctx.Err() != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "waiting for tasks"))
		}
		close(h.stopCh)
		h.stopErr = errs
	})
	return h.stopErr
}
