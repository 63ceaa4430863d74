package command

import (
	"sync"
	"sync/atomic"
)

type taskState int32

const (
	taskPending taskState = iota
	taskRunning
	taskDone
	taskCanceled
)

// task is one unit of work queued on a Pool. It runs at most once.
type task struct {
	run     func()
	onClose func() // called if the pool drops the task on Close
	state   atomic.Int32
}

func newTask(run func()) *task {
	return &task{run: run}
}

// cancel prevents a task that has not started from ever running.
func (t *task) cancel() bool {
	return t.state.CompareAndSwap(int32(taskPending), int32(taskCanceled))
}

func (t *task) start() bool {
	return t.state.CompareAndSwap(int32(taskPending), int32(taskRunning))
}

func (t *task) status() taskState {
	return taskState(t.state.Load())
}

// Pool is a fixed-size set of workers draining a FIFO task queue. One Pool is
// shared by every call made through a ClusterContext, so the number of tasks
// executing at once is bounded no matter how many calls are in flight.
type Pool struct {
	cond    *sync.Cond
	queue   []*task
	wg      sync.WaitGroup
	mu      sync.Mutex
	size    int
	active  atomic.Int64
	closed  bool
	skipped atomic.Int64
}

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Workers int   // Configured worker count
	Queued  int   // Tasks waiting for a worker, including cancelled ones not yet skipped
	Active  int64 // Tasks currently executing
	Skipped int64 // Cancelled tasks dropped from the queue without running
}

// NewPool starts size workers. size < 1 is treated as 1.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{size: size}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) submit(t *task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

func (p *Pool) next() (*task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return t, true
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		if !t.start() {
			p.skipped.Add(1)
			continue
		}
		p.active.Add(1)
		t.run()
		t.state.Store(int32(taskDone))
		p.active.Add(-1)
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return PoolStats{
		Workers: p.size,
		Queued:  queued,
		Active:  p.active.Load(),
		Skipped: p.skipped.Load(),
	}
}

// Close stops accepting tasks, cancels everything still queued and waits for
// running tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range queued {
		if t.cancel() && t.onClose != nil {
			t.onClose()
		}
	}
	p.wg.Wait()
}
