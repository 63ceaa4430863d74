package command

import (
	"context"
	"sync"
)

// promise is the untyped, resolve-once result slot behind a Future.
type promise struct {
	err       error
	value     any
	done      chan struct{}
	onResolve func()
	interrupt context.CancelFunc
	tasks     []*task
	mu        sync.Mutex
	once      sync.Once
}

func newPromise() *promise {
	return &promise{done: make(chan struct{})}
}

// resolve sets the outcome. Only the first call has any effect.
func (p *promise) resolve(v any, err error) bool {
	won := false
	p.once.Do(func() {
		won = true
		p.value, p.err = v, err
		close(p.done)
		if p.onResolve != nil {
			p.onResolve()
		}
	})
	return won
}

func (p *promise) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *promise) addTask(t *task) {
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
}

func (p *promise) wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *promise) cancel(mayInterrupt bool) bool {
	if p.resolved() {
		return false
	}
	p.mu.Lock()
	tasks := append([]*task(nil), p.tasks...)
	p.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	if mayInterrupt && p.interrupt != nil {
		p.interrupt()
	}
	return p.resolve(nil, &CancellationError{})
}

// Future is the handle to one outstanding shard or server computation.
type Future[T any] struct {
	p *promise
}

// Get blocks until the computation resolves or ctx is done. Task failures
// surface as *ExecutionError, cancellation as *CancellationError and deadline
// expiry as *TimeoutError. If ctx ends first, ctx.Err() is returned and the
// future stays outstanding.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	v, err := f.p.wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return as[T](v)
}

// Cancel attempts to cancel the computation. A task that has not started is
// never run. If mayInterrupt is set, a running task's context is cancelled so
// that a command polling it stops early. Cancel reports whether this call
// moved the future to the cancelled state; it returns false if the future had
// already resolved. Sibling futures of the same call are not affected.
func (f *Future[T]) Cancel(mayInterrupt bool) bool {
	return f.p.cancel(mayInterrupt)
}

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.p.done
}
