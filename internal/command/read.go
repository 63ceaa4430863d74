package command

import (
	"context"
	"fmt"
)

// indexResult is what the dispatcher returns for OpReadIndex: the value and
// the shard it was resolved to within the call's topology snapshot.
type indexResult struct {
	value any
	shard Shard
}

// ReadIndexes runs the shard phase of command on every resolved shard and
// returns one value per shard. It fails as a whole if any shard fails.
func ReadIndexes[T any](ctx context.Context, cc *ClusterContext, args *Args, command string) (map[Shard]T, error) {
	out, err := cc.handler(ctx, Invocation{Operation: OpReadIndexes, Command: command, Args: args, check: checkShardType[T]})
	if err != nil {
		return nil, err
	}
	return convertMap[Shard, T](out.(map[Shard]any))
}

// ReadIndexesAsync is ReadIndexes returning one future per shard without
// waiting for any of them.
func ReadIndexesAsync[T any](ctx context.Context, cc *ClusterContext, args *Args, command string) (map[Shard]*Future[T], error) {
	out, err := cc.handler(ctx, Invocation{Operation: OpReadIndexesAsync, Command: command, Args: args, check: checkShardType[T]})
	if err != nil {
		return nil, err
	}
	return futures[Shard, T](out.(map[Shard]*promise)), nil
}

// ReadIndex runs command on the single shard args resolves to. It fails with
// an AmbiguousTargetError unless exactly one shard is targeted.
func ReadIndex[T any](ctx context.Context, cc *ClusterContext, args *Args, command string) (T, error) {
	_, v, err := ReadIndexShard[T](ctx, cc, args, command)
	return v, err
}

// ReadIndexShard is ReadIndex that also reports which shard answered.
func ReadIndexShard[T any](ctx context.Context, cc *ClusterContext, args *Args, command string) (Shard, T, error) {
	var zero T
	out, err := cc.handler(ctx, Invocation{Operation: OpReadIndex, Command: command, Args: args, check: checkShardType[T]})
	if err != nil {
		return Shard{}, zero, err
	}
	res := out.(indexResult)
	v, err := as[T](res.value)
	if err != nil {
		return Shard{}, zero, err
	}
	return res.shard, v, nil
}

// ReadIndexAsync is ReadIndex returning a future.
func ReadIndexAsync[T any](ctx context.Context, cc *ClusterContext, args *Args, command string) (*Future[T], error) {
	out, err := cc.handler(ctx, Invocation{Operation: OpReadIndexAsync, Command: command, Args: args, check: checkShardType[T]})
	if err != nil {
		return nil, err
	}
	return &Future[T]{p: out.(*promise)}, nil
}

// ReadServers runs a combining command: the shard phase on every resolved
// shard, then one combine per server over that server's shard results.
func ReadServers[T any](ctx context.Context, cc *ClusterContext, args *Args, command string) (map[Server]T, error) {
	out, err := cc.handler(ctx, Invocation{Operation: OpReadServers, Command: command, Args: args, check: checkCombineType[T]})
	if err != nil {
		return nil, err
	}
	return convertMap[Server, T](out.(map[Server]any))
}

// ReadServersAsync is ReadServers returning one future per server.
func ReadServersAsync[T any](ctx context.Context, cc *ClusterContext, args *Args, command string) (map[Server]*Future[T], error) {
	out, err := cc.handler(ctx, Invocation{Operation: OpReadServersAsync, Command: command, Args: args, check: checkCombineType[T]})
	if err != nil {
		return nil, err
	}
	return futures[Server, T](out.(map[Server]*promise)), nil
}

// isAny reports whether T is the empty interface, which accepts every
// command's result.
func isAny[T any]() bool {
	_, ok := any((*T)(nil)).(*any)
	return ok
}

func checkShardType[T any](r *Registry, command string) error {
	e, err := r.lookup(command)
	if err != nil {
		return err
	}
	if _, ok := e.shardMarker.(shardMarker[T]); ok || isAny[T]() {
		return nil
	}
	var zero T
	return fmt.Errorf("%w: %s does not produce %T per shard", ErrCommandType, command, zero)
}

func checkCombineType[T any](r *Registry, command string) error {
	e, err := r.lookup(command)
	if err != nil {
		return err
	}
	if !e.combining() {
		return fmt.Errorf("%w: %s is not a combining command", ErrCommandType, command)
	}
	if _, ok := e.combineMarker.(combineMarker[T]); ok || isAny[T]() {
		return nil
	}
	var zero T
	return fmt.Errorf("%w: %s does not combine into %T", ErrCommandType, command, zero)
}

func convertMap[K comparable, T any](in map[K]any) (map[K]T, error) {
	out := make(map[K]T, len(in))
	for k, v := range in {
		t, err := as[T](v)
		if err != nil {
			return nil, err
		}
		out[k] = t
	}
	return out, nil
}

func futures[K comparable, T any](in map[K]*promise) map[K]*Future[T] {
	out := make(map[K]*Future[T], len(in))
	for k, p := range in {
		out[k] = &Future[T]{p: p}
	}
	return out
}
