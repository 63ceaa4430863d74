package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/blurd/internal/logging"
)

// DefaultPoolSize is the worker count used when Options.PoolSize is unset.
const DefaultPoolSize = 16

// Options configures a ClusterContext.
type Options struct {
	Registry *Registry   // Command factories (required)
	Tables   TableLookup // Table metadata (required)
	Topology Topology    // Shard ownership (required)
	Executor Executor    // Where shard tasks run (required)
	Logger   logging.Logger

	// Middleware wraps every entry point, outermost first.
	Middleware []Middleware

	// PoolSize caps the number of shard and combine tasks executing at once
	// across every call made through this context.
	PoolSize int

	// DefaultTimeout applies to calls whose Args carry no timeout. Zero
	// means no deadline.
	DefaultTimeout time.Duration
}

// ClusterContext is the dispatcher: it resolves Args against the topology,
// fans shard tasks out over a bounded worker pool, runs the per-server
// combine phase and assembles results or futures.
//
// A ClusterContext is safe for concurrent use. The six entry points are the
// package functions ReadIndexes, ReadIndexesAsync, ReadIndex, ReadIndexAsync,
// ReadServers and ReadServersAsync.
type ClusterContext struct {
	registry       *Registry
	tables         TableLookup
	topology       Topology
	executor       Executor
	pool           *Pool
	log            logging.Logger
	handler        Handler
	now            func() time.Time
	defaultTimeout time.Duration
}

// NewClusterContext validates opts and starts the worker pool.
func NewClusterContext(opts Options) (*ClusterContext, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("cluster context: registry is required")
	case opts.Tables == nil:
		return nil, errors.New("cluster context: table lookup is required")
	case opts.Topology == nil:
		return nil, errors.New("cluster context: topology is required")
	case opts.Executor == nil:
		return nil, errors.New("cluster context: executor is required")
	case opts.PoolSize < 0:
		return nil, fmt.Errorf("cluster context: invalid pool size %d", opts.PoolSize)
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	cc := &ClusterContext{
		registry:       opts.Registry,
		tables:         opts.Tables,
		topology:       opts.Topology,
		executor:       opts.Executor,
		pool:           NewPool(opts.PoolSize),
		log:            opts.Logger,
		now:            time.Now,
		defaultTimeout: opts.DefaultTimeout,
	}
	cc.handler = chain(cc.dispatch, opts.Middleware)
	return cc, nil
}

// Registry returns the command registry.
func (cc *ClusterContext) Registry() *Registry {
	return cc.registry
}

// TableContext returns the metadata of table.
func (cc *ClusterContext) TableContext(table string) (TableContext, error) {
	return cc.tables.TableContext(table)
}

// PoolStats returns the shared worker pool statistics.
func (cc *ClusterContext) PoolStats() PoolStats {
	return cc.pool.Stats()
}

// Close stops the worker pool. Queued tasks are cancelled; running tasks are
// waited for.
func (cc *ClusterContext) Close() {
	cc.pool.Close()
}

type target struct {
	server Server
	shard  Shard
}

// resolve computes the target shard set of args, each paired with its owner
// in one topology snapshot. single selects the exactly-one-shard contract.
func (cc *ClusterContext) resolve(args *Args, single bool) ([]target, error) {
	if args == nil {
		return nil, &ValidationError{Field: "args", Reason: "missing"}
	}
	table := args.Table()
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	tc, err := cc.tables.TableContext(table)
	if err != nil {
		return nil, &ValidationError{Field: "table", Value: table, Reason: err.Error()}
	}
	layout, err := cc.topology.Layout(table)
	if err != nil {
		return nil, fmt.Errorf("topology of table %s: %w", table, err)
	}

	candidates, explicitShards := args.Shards()
	if explicitShards {
		for _, i := range candidates {
			if i >= tc.ShardCount {
				return nil, &ValidationError{
					Field:  "shard",
					Value:  strconv.Itoa(i),
					Reason: fmt.Sprintf("table %s has %d shards", table, tc.ShardCount),
				}
			}
		}
	} else {
		candidates = make([]int, tc.ShardCount)
		for i := range candidates {
			candidates[i] = i
		}
	}
	servers, explicitServers := args.Servers()

	var (
		targets    []target
		unassigned []int
	)
	for _, i := range candidates {
		owner, ok := layout[i]
		if !ok {
			if !explicitServers {
				unassigned = append(unassigned, i)
			}
			continue
		}
		if explicitServers && !slices.Contains(servers, owner) {
			continue
		}
		targets = append(targets, target{shard: Shard{Table: table, Index: i}, server: owner})
	}

	if len(unassigned) > 0 {
		return nil, &NoShardsError{Table: table, Unassigned: unassigned}
	}
	if single && len(targets) != 1 {
		return nil, &AmbiguousTargetError{Table: table, Count: len(targets)}
	}
	explicitEmpty := (explicitShards && len(candidates) == 0) || (explicitServers && len(servers) == 0)
	if len(targets) == 0 && !explicitEmpty {
		return nil, &NoShardsError{Table: table}
	}
	return targets, nil
}

// dispatch is the innermost Handler.
func (cc *ClusterContext) dispatch(ctx context.Context, inv Invocation) (any, error) {
	if inv.check != nil {
		if err := inv.check(cc.registry, inv.Command); err != nil {
			return nil, err
		}
	}
	e, err := cc.registry.lookup(inv.Command)
	if err != nil {
		return nil, err
	}

	switch inv.Operation {
	case OpReadIndexes, OpReadIndexesAsync, OpReadIndex, OpReadIndexAsync:
		single := inv.Operation == OpReadIndex || inv.Operation == OpReadIndexAsync
		targets, err := cc.resolve(inv.Args, single)
		if err != nil {
			return nil, err
		}
		if err := e.validate(inv.Args); err != nil {
			return nil, err
		}
		c := cc.newCall(ctx, e, inv)
		keys, err := c.startShards(targets)
		if err != nil {
			return nil, err
		}
		return c.shardResult(inv.Operation, targets, keys)

	case OpReadServers, OpReadServersAsync:
		if !e.combining() {
			return nil, fmt.Errorf("%w: %s is not a combining command", ErrCommandType, inv.Command)
		}
		targets, err := cc.resolve(inv.Args, false)
		if err != nil {
			return nil, err
		}
		if err := e.validate(inv.Args); err != nil {
			return nil, err
		}
		c := cc.newCall(ctx, e, inv)
		groups, err := c.startServers(targets)
		if err != nil {
			return nil, err
		}
		return c.serverResult(inv.Operation, groups)
	}
	return nil, fmt.Errorf("unknown operation %q", inv.Operation)
}
