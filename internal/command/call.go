package command

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/blurd/internal/logging"
)

// call is the bookkeeping of one dispatcher invocation: its futures, its
// tasks, the deadline timer and the fail-fast state. Nothing in it is shared
// with other calls except the pool.
type call struct {
	err      error
	cc       *ClusterContext
	entry    *entry
	args     *Args
	ctx      context.Context // parent of every task context
	cancel   context.CancelFunc
	logCtx   context.Context
	finished chan struct{}
	timer    *time.Timer
	stop     func() bool // detaches the caller context watch
	started  time.Time
	keys     []*promise
	tasks    []*task
	op       Operation
	mu       sync.Mutex
	pending  atomic.Int64
	aborted  atomic.Bool
	abort1   sync.Once
	finish1  sync.Once
}

func (cc *ClusterContext) newCall(ctx context.Context, e *entry, inv Invocation) *call {
	id := uuid.Must(uuid.NewV7()).String()
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &call{
		cc:       cc,
		entry:    e,
		args:     inv.Args,
		op:       inv.Operation,
		ctx:      taskCtx,
		cancel:   cancel,
		logCtx:   logging.WithDefaultArgs(ctx, "call", id, "command", e.name, "table", inv.Args.Table()),
		finished: make(chan struct{}),
		started:  cc.now(),
	}
}

// begin arms the deadline timer and, for synchronous calls, the caller
// context watch. It must run before any task is submitted.
func (c *call) begin(keys []*promise) {
	c.keys = keys
	c.pending.Store(int64(len(keys)))
	for _, p := range keys {
		p.onResolve = c.keyResolved
	}

	if deadline, ok := c.args.effectiveDeadline(c.started, c.cc.defaultTimeout); ok {
		timeout := &TimeoutError{Deadline: deadline, Command: c.entry.name}
		c.mu.Lock()
		c.timer = time.AfterFunc(deadline.Sub(c.cc.now()), func() {
			c.abort(timeout, timeout)
		})
		c.mu.Unlock()
	}
	if !c.op.Async() {
		// logCtx derives from the caller's context.
		stop := context.AfterFunc(c.logCtx, func() {
			canceled := &CancellationError{Cause: c.logCtx.Err()}
			c.abort(canceled, canceled)
		})
		c.mu.Lock()
		c.stop = stop
		c.mu.Unlock()
	}

	c.cc.log.DebugCtx(c.logCtx, "dispatch", "op", c.op, "keys", len(keys))
	if len(keys) == 0 {
		c.finish()
	}
}

func (c *call) keyResolved() {
	if c.pending.Add(-1) == 0 {
		c.finish()
	}
}

func (c *call) finish() {
	c.finish1.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.stop != nil {
			c.stop()
		}
		c.mu.Unlock()
		c.cancel()
		close(c.finished)
		c.cc.log.DebugCtx(c.logCtx, "finished", "op", c.op, "elapsed", c.cc.now().Sub(c.started))
	})
}

// failure returns the error that aborted the call, if any.
func (c *call) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// abort implements fail-fast: record cause, cancel every task that has not
// started, signal running tasks through their context and resolve every
// outstanding future with sibling. Only the first abort has any effect.
func (c *call) abort(cause, sibling error) {
	select {
	case <-c.finished:
		return
	default:
	}
	c.abort1.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.aborted.Store(true)
		tasks := append([]*task(nil), c.tasks...)
		c.mu.Unlock()

		canceled := 0
		for _, t := range tasks {
			if t.cancel() {
				canceled++
			}
		}
		c.cancel()
		for _, p := range c.keys {
			p.resolve(nil, sibling)
		}
		c.cc.log.WarnCtx(c.logCtx, "call aborted", "op", c.op, "err", cause, "canceled_tasks", canceled)
	})
}

// submit queues t on the shared pool on behalf of p.
func (c *call) submit(t *task, p *promise) error {
	t.onClose = func() {
		err := fmt.Errorf("command %s: %w", c.entry.name, ErrPoolClosed)
		c.abort(err, &CancellationError{Cause: err})
	}
	p.addTask(t)
	c.mu.Lock()
	if c.aborted.Load() {
		c.mu.Unlock()
		t.cancel()
		return nil
	}
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	if err := c.cc.pool.submit(t); err != nil {
		err = fmt.Errorf("command %s: %w", c.entry.name, err)
		c.abort(err, &CancellationError{Cause: err})
		return err
	}
	return nil
}

// executeShard runs the shard phase for tg and normalizes its result.
func (c *call) executeShard(ctx context.Context, tg target) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err = c.cc.executor.ExecuteShard(ctx, ShardRequest{
		Server:  tg.server,
		Shard:   tg.shard,
		Command: c.entry.name,
		Args:    c.args,
	})
	if err != nil {
		return nil, err
	}
	return c.entry.normalize(v)
}

func (c *call) executeCombine(ctx context.Context, g *serverGroup) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	g.mu.Lock()
	results := make(map[Shard]any, len(g.results))
	for k, r := range g.results {
		results[k] = r
	}
	g.mu.Unlock()
	return c.entry.combine(ctx, c.args, g.server, results)
}

// fail records a task failure for p and aborts the call, unless the call was
// already aborted or p was individually cancelled.
func (c *call) fail(p *promise, execErr *ExecutionError) {
	if c.aborted.Load() || p.resolved() {
		return
	}
	p.resolve(nil, execErr)
	c.abort(execErr, &CancellationError{Cause: execErr})
}

// startShards submits one task per target shard; key i belongs to targets[i].
func (c *call) startShards(targets []target) ([]*promise, error) {
	keys := make([]*promise, len(targets))
	for i := range keys {
		keys[i] = newPromise()
	}
	c.begin(keys)

	for i, tg := range targets {
		tg, p := tg, keys[i]
		tctx, interrupt := context.WithCancel(c.ctx)
		p.interrupt = interrupt
		t := newTask(func() {
			defer interrupt()
			v, err := c.executeShard(tctx, tg)
			if err != nil {
				shard := tg.shard
				c.fail(p, &ExecutionError{Cause: err, Shard: &shard, Server: tg.server, Command: c.entry.name})
				return
			}
			if !c.aborted.Load() {
				p.resolve(v, nil)
			}
		})
		if err := c.submit(t, p); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// serverGroup is the per-server barrier: the combine task is submitted once
// remaining drops to zero.
type serverGroup struct {
	ctx       context.Context
	results   map[Shard]any
	p         *promise
	server    Server
	shards    []target
	mu        sync.Mutex
	remaining int
}

// startServers submits the shard tasks of every server; each server's combine
// task is submitted by the last of its shard tasks to complete.
func (c *call) startServers(targets []target) ([]*serverGroup, error) {
	var groups []*serverGroup
	byServer := make(map[Server]*serverGroup)
	for _, tg := range targets {
		g, ok := byServer[tg.server]
		if !ok {
			g = &serverGroup{server: tg.server, p: newPromise(), results: make(map[Shard]any)}
			byServer[tg.server] = g
			groups = append(groups, g)
		}
		g.shards = append(g.shards, tg)
		g.remaining++
	}

	keys := make([]*promise, len(groups))
	for i, g := range groups {
		keys[i] = g.p
	}
	c.begin(keys)

	for _, g := range groups {
		g := g
		gctx, interrupt := context.WithCancel(c.ctx)
		g.ctx = gctx
		g.p.interrupt = interrupt
		for _, tg := range g.shards {
			tg := tg
			t := newTask(func() {
				v, err := c.executeShard(g.ctx, tg)
				if err != nil {
					shard := tg.shard
					c.fail(g.p, &ExecutionError{Cause: err, Shard: &shard, Server: tg.server, Command: c.entry.name})
					return
				}
				g.mu.Lock()
				g.results[tg.shard] = v
				g.remaining--
				ready := g.remaining == 0
				g.mu.Unlock()
				if ready {
					c.startCombine(g)
				}
			})
			if err := c.submit(t, g.p); err != nil {
				return nil, err
			}
		}
	}
	return groups, nil
}

func (c *call) startCombine(g *serverGroup) {
	if c.aborted.Load() || g.p.resolved() {
		return
	}
	t := newTask(func() {
		v, err := c.executeCombine(g.ctx, g)
		if err != nil {
			c.fail(g.p, &ExecutionError{Cause: err, Server: g.server, Command: c.entry.name})
			return
		}
		if !c.aborted.Load() {
			g.p.resolve(v, nil)
		}
	})
	_ = c.submit(t, g.p)
}

// await blocks until every key resolved, returning the abort cause if the
// call failed.
func (c *call) await() error {
	<-c.finished
	return c.failure()
}

func (c *call) shardResult(op Operation, targets []target, keys []*promise) (any, error) {
	switch op {
	case OpReadIndexesAsync:
		out := make(map[Shard]*promise, len(keys))
		for i, tg := range targets {
			out[tg.shard] = keys[i]
		}
		return out, nil
	case OpReadIndexAsync:
		return keys[0], nil
	}

	if err := c.await(); err != nil {
		return nil, err
	}
	if op == OpReadIndex {
		if keys[0].err != nil {
			return nil, keys[0].err
		}
		return indexResult{value: keys[0].value, shard: targets[0].shard}, nil
	}
	out := make(map[Shard]any, len(keys))
	for i, tg := range targets {
		if keys[i].err != nil {
			return nil, keys[i].err
		}
		out[tg.shard] = keys[i].value
	}
	return out, nil
}

func (c *call) serverResult(op Operation, groups []*serverGroup) (any, error) {
	if op == OpReadServersAsync {
		out := make(map[Server]*promise, len(groups))
		for _, g := range groups {
			out[g.server] = g.p
		}
		return out, nil
	}

	if err := c.await(); err != nil {
		return nil, err
	}
	out := make(map[Server]any, len(groups))
	for _, g := range groups {
		if g.p.err != nil {
			return nil, g.p.err
		}
		out[g.server] = g.p.value
	}
	return out, nil
}
