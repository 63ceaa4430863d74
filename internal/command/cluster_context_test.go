package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func TestReadIndexes(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args *Args
		want map[Shard]int
	}{
		{
			name: "all shards",
			args: NewArgs(testTable).MustBuild(),
			want: map[Shard]int{shardOf(0): 5, shardOf(1): 7, shardOf(2): 3},
		},
		{
			name: "shard subset",
			args: NewArgs(testTable).WithShards(2, 0).MustBuild(),
			want: map[Shard]int{shardOf(0): 5, shardOf(2): 3},
		},
		{
			name: "server subset",
			args: NewArgs(testTable).WithServers(serverB).MustBuild(),
			want: map[Shard]int{shardOf(2): 3},
		},
		{
			name: "explicit empty shard subset",
			args: NewArgs(testTable).WithShards().MustBuild(),
			want: map[Shard]int{},
		},
		{
			name: "explicit empty server subset",
			args: NewArgs(testTable).WithServers().MustBuild(),
			want: map[Shard]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadIndexes[int](ctx, tc.cc, tt.args, "count")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadIndexesRejectsBadArgs(t *testing.T) {
	tc := newTestCluster(t, withLayout(map[int]Server{0: serverA, 1: serverA}))
	ctx := context.Background()

	tests := []struct {
		name    string
		args    *Args
		command string
		want    error
	}{
		{name: "nil args", command: "count", want: ErrValidation},
		{name: "unknown table", args: NewArgs("missing").MustBuild(), command: "count", want: ErrValidation},
		{name: "shard out of range", args: NewArgs(testTable).WithShards(9).MustBuild(), command: "count", want: ErrValidation},
		{name: "unassigned shard", args: NewArgs(testTable).MustBuild(), command: "count", want: ErrNoShards},
		{name: "unknown command", args: NewArgs(testTable).MustBuild(), command: "nope", want: ErrUnknownCommand},
		{name: "no owner matches", args: NewArgs(testTable).WithServers("node-z").MustBuild(), command: "count", want: ErrNoShards},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadIndexes[int](ctx, tc.cc, tt.args, tt.command)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, got)
		})
	}

	assert.Zero(t, tc.provider.openCount(0), "nothing runs for rejected calls")
}

func TestReadIndexesReportsUnassignedShards(t *testing.T) {
	tc := newTestCluster(t, withLayout(map[int]Server{0: serverA, 1: serverA}))

	_, err := ReadIndexes[int](context.Background(), tc.cc, NewArgs(testTable).MustBuild(), "count")

	var noShards *NoShardsError
	require.ErrorAs(t, err, &noShards)
	assert.Equal(t, []int{2}, noShards.Unassigned)

	got, err := ReadIndexes[int](context.Background(), tc.cc, NewArgs(testTable).WithServers(serverA).MustBuild(), "count")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReadIndexesTypeMismatch(t *testing.T) {
	tc := newTestCluster(t)
	args := NewArgs(testTable).MustBuild()

	_, err := ReadIndexes[string](context.Background(), tc.cc, args, "count")
	assert.ErrorIs(t, err, ErrCommandType)

	_, err = ReadServers[int](context.Background(), tc.cc, args, "count")
	assert.ErrorIs(t, err, ErrCommandType, "count is not combining")

	untyped, err := ReadIndexes[any](context.Background(), tc.cc, args, "count")
	require.NoError(t, err)
	assert.Equal(t, 7, untyped[shardOf(1)])
}

func TestReadIndexesFailFast(t *testing.T) {
	tc := newTestCluster(t, withPoolSize(1))
	tc.provider.errs = map[int]error{1: errors.New("corrupt segment")}

	got, err := ReadIndexes[int](context.Background(), tc.cc, NewArgs(testTable).MustBuild(), "count")
	require.Error(t, err)
	assert.Nil(t, got, "no partial results")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.NotNil(t, execErr.Shard)
	assert.Equal(t, shardOf(1), *execErr.Shard)
	assert.Equal(t, serverA, execErr.Server)
	assert.Equal(t, "count", execErr.Command)
	assert.ErrorContains(t, err, "corrupt segment")

	// With one worker the queued sibling is cancelled before it starts.
	assert.Zero(t, tc.provider.openCount(2))
}

func TestReadIndexesRecoversPanics(t *testing.T) {
	tc := newTestCluster(t)

	_, err := ReadIndexes[int](context.Background(), tc.cc, NewArgs(testTable).WithShards(0).MustBuild(), "explode")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorContains(t, err, "boom")
}

func TestReadIndex(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	got, err := ReadIndex[int](ctx, tc.cc, NewArgs(testTable).WithShards(1).MustBuild(), "count")
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	got, err = ReadIndex[int](ctx, tc.cc, NewArgs(testTable).WithServers(serverB).MustBuild(), "count")
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	for _, args := range []*Args{
		NewArgs(testTable).MustBuild(),
		NewArgs(testTable).WithShards(0, 1).MustBuild(),
		NewArgs(testTable).WithShards().MustBuild(),
	} {
		_, err := ReadIndex[int](ctx, tc.cc, args, "count")
		var ambiguous *AmbiguousTargetError
		require.ErrorAs(t, err, &ambiguous)
		assert.ErrorIs(t, err, ErrAmbiguousTarget)
	}
}

func TestReadIndexAsync(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	f, err := ReadIndexAsync[int](ctx, tc.cc, NewArgs(testTable).WithShards(0).MustBuild(), "count")
	require.NoError(t, err)

	got, err := f.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
	assert.False(t, f.Cancel(true), "resolved futures cannot be cancelled")

	_, err = ReadIndexAsync[int](ctx, tc.cc, NewArgs(testTable).MustBuild(), "count")
	assert.ErrorIs(t, err, ErrAmbiguousTarget)
}

func TestAsyncMatchesSync(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()
	args := NewArgs(testTable).MustBuild()

	want, err := ReadIndexes[int](ctx, tc.cc, args, "count")
	require.NoError(t, err)

	futures, err := ReadIndexesAsync[int](ctx, tc.cc, args, "count")
	require.NoError(t, err)
	require.Len(t, futures, len(want))
	for shard, f := range futures {
		got, err := f.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want[shard], got, shard.String())
	}

	wantServers, err := ReadServers[int](ctx, tc.cc, args, "countSum")
	require.NoError(t, err)
	serverFutures, err := ReadServersAsync[int](ctx, tc.cc, args, "countSum")
	require.NoError(t, err)
	require.Len(t, serverFutures, len(wantServers))
	for server, f := range serverFutures {
		got, err := f.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, wantServers[server], got, server.String())
	}
}

func TestReadServers(t *testing.T) {
	tc := newTestCluster(t)

	got, err := ReadServers[int](context.Background(), tc.cc, NewArgs(testTable).MustBuild(), "countSum")
	require.NoError(t, err)
	assert.Equal(t, map[Server]int{serverA: 12, serverB: 3}, got)

	records := tc.combines.snapshot()
	require.Len(t, records, 2, "one combine per server")
	for _, r := range records {
		slices.Sort(r.shards)
		switch r.server {
		case serverA:
			assert.Equal(t, []int{0, 1}, r.shards)
		case serverB:
			assert.Equal(t, []int{2}, r.shards)
		default:
			t.Fatalf("unexpected server %s", r.server)
		}
	}
}

func TestReadServersShardSubset(t *testing.T) {
	tc := newTestCluster(t)

	got, err := ReadServers[int](context.Background(), tc.cc, NewArgs(testTable).WithShards(1).MustBuild(), "countSum")
	require.NoError(t, err)
	assert.Equal(t, map[Server]int{serverA: 7}, got, "servers without targeted shards are absent")

	got, err = ReadServers[int](context.Background(), tc.cc, NewArgs(testTable).WithShards().MustBuild(), "countSum")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, tc.combines.snapshot(), 1)
}

func TestReadServersCombineFailure(t *testing.T) {
	tc := newTestCluster(t)
	args := NewArgs(testTable).SetString("fail_on", string(serverB)).MustBuild()

	_, err := ReadServers[int](context.Background(), tc.cc, args, "countSum")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Nil(t, execErr.Shard, "combine failures name no shard")
	assert.Equal(t, serverB, execErr.Server)
}

func TestReadServersShardFailureSkipsCombine(t *testing.T) {
	tc := newTestCluster(t, withPoolSize(1))
	tc.provider.errs = map[int]error{0: errors.New("unreadable")}

	_, err := ReadServers[int](context.Background(), tc.cc, NewArgs(testTable).MustBuild(), "countSum")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, shardOf(0), *execErr.Shard)

	for _, r := range tc.combines.snapshot() {
		assert.NotEqual(t, serverA, r.server, "combine of a failed server never runs")
	}
}

func TestReadIndexesAsyncFailFast(t *testing.T) {
	tc := newTestCluster(t, withPoolSize(1))
	tc.provider.errs = map[int]error{1: errors.New("io error")}
	ctx := context.Background()

	futures, err := ReadIndexesAsync[int](ctx, tc.cc, NewArgs(testTable).MustBuild(), "count")
	require.NoError(t, err)

	got, err := futures[shardOf(0)].Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	_, err = futures[shardOf(1)].Get(ctx)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)

	_, err = futures[shardOf(2)].Get(ctx)
	var canceled *CancellationError
	require.ErrorAs(t, err, &canceled)
	assert.ErrorIs(t, err, ErrExecution, "siblings carry the failure as cause")
	assert.Zero(t, tc.provider.openCount(2))
}

func TestFutureCancelBeforeStart(t *testing.T) {
	tc := newTestCluster(t, withPoolSize(1))
	release := make(chan struct{})
	tc.provider.hook = func(ctx context.Context, shard Shard) error {
		if shard.Index == 0 {
			<-release
		}
		return nil
	}
	ctx := context.Background()

	futures, err := ReadIndexesAsync[int](ctx, tc.cc, NewArgs(testTable).MustBuild(), "count")
	require.NoError(t, err)

	assert.True(t, futures[shardOf(1)].Cancel(false))
	assert.False(t, futures[shardOf(1)].Cancel(false), "second cancel is a no-op")
	close(release)

	_, err = futures[shardOf(1)].Get(ctx)
	assert.ErrorIs(t, err, ErrCanceled)

	got, err := futures[shardOf(0)].Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got, "siblings are unaffected")
	got, err = futures[shardOf(2)].Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	assert.Zero(t, tc.provider.openCount(1), "cancelled task never started")
	assert.EqualValues(t, 1, tc.cc.PoolStats().Skipped)
}

func TestFutureCancelInterruptsRunningTask(t *testing.T) {
	tc := newTestCluster(t)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	tc.provider.hook = func(ctx context.Context, shard Shard) error {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	}
	ctx := context.Background()

	f, err := ReadIndexAsync[int](ctx, tc.cc, NewArgs(testTable).WithShards(0).MustBuild(), "count")
	require.NoError(t, err)
	<-started

	assert.True(t, f.Cancel(true))
	assert.ErrorIs(t, <-stopped, context.Canceled)

	_, err = f.Get(ctx)
	var canceled *CancellationError
	assert.ErrorAs(t, err, &canceled)
}

func TestCallTimeout(t *testing.T) {
	tc := newTestCluster(t)
	interrupted := make(chan struct{}, 3)
	tc.provider.hook = func(ctx context.Context, shard Shard) error {
		<-ctx.Done()
		interrupted <- struct{}{}
		return ctx.Err()
	}
	args := NewArgs(testTable).WithTimeout(30 * time.Millisecond).MustBuild()

	start := time.Now()
	got, err := ReadIndexes[int](context.Background(), tc.cc, args, "count")
	require.Error(t, err)
	assert.Nil(t, got)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "count", timeout.Command)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-interrupted:
	case <-time.After(5 * time.Second):
		t.Fatal("running tasks were not interrupted")
	}
}

func TestCallTimeoutResolvesFutures(t *testing.T) {
	tc := newTestCluster(t)
	tc.provider.hook = func(ctx context.Context, shard Shard) error {
		<-ctx.Done()
		return ctx.Err()
	}
	args := NewArgs(testTable).WithDeadline(time.Now().Add(20 * time.Millisecond)).MustBuild()

	futures, err := ReadServersAsync[int](context.Background(), tc.cc, args, "countSum")
	require.NoError(t, err)
	for _, f := range futures {
		_, err := f.Get(context.Background())
		assert.ErrorIs(t, err, ErrTimeout)
	}
}

func TestSyncCallHonorsCallerContext(t *testing.T) {
	tc := newTestCluster(t, withPoolSize(1))
	var once sync.Once
	started := make(chan struct{})
	tc.provider.hook = func(ctx context.Context, shard Shard) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := ReadIndexes[int](ctx, tc.cc, NewArgs(testTable).MustBuild(), "count")
	var canceled *CancellationError
	require.ErrorAs(t, err, &canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, tc.provider.openCount(0)+tc.provider.openCount(1)+tc.provider.openCount(2))
}

func TestFutureGetHonorsContext(t *testing.T) {
	tc := newTestCluster(t)
	release := make(chan struct{})
	defer close(release)
	tc.provider.hook = func(ctx context.Context, shard Shard) error {
		<-release
		return nil
	}

	f, err := ReadIndexAsync[int](context.Background(), tc.cc, NewArgs(testTable).WithShards(2).MustBuild(), "count")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-f.Done():
		t.Fatal("future resolved while its task was blocked")
	default:
	}
}

func TestRemoteResultsAreDecoded(t *testing.T) {
	var raw *rawExecutor
	tc := newTestCluster(t, wrapExecutor(func(next Executor) Executor {
		raw = &rawExecutor{next: next}
		return raw
	}))
	ctx := context.Background()
	args := NewArgs(testTable).MustBuild()

	perShard, err := ReadIndexes[int](ctx, tc.cc, args, "count")
	require.NoError(t, err)
	assert.Equal(t, map[Shard]int{shardOf(0): 5, shardOf(1): 7, shardOf(2): 3}, perShard)

	perServer, err := ReadServers[int](ctx, tc.cc, args, "countSum")
	require.NoError(t, err)
	assert.Equal(t, map[Server]int{serverA: 12, serverB: 3}, perServer)
	assert.EqualValues(t, 6, raw.calls.Load())
}

func TestConcurrentCallsShareThePool(t *testing.T) {
	tc := newTestCluster(t, withPoolSize(2))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := ReadServers[int](ctx, tc.cc, NewArgs(testTable).MustBuild(), "countSum")
			if err == nil && got[serverA] != 12 {
				err = fmt.Errorf("call %d: got %v", i, got)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, tc.cc.PoolStats().Workers)
}

func TestClosedContextRejectsCalls(t *testing.T) {
	tc := newTestCluster(t)
	tc.cc.Close()

	_, err := ReadIndexes[int](context.Background(), tc.cc, NewArgs(testTable).MustBuild(), "count")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestMiddlewareSeesEveryEntryPoint(t *testing.T) {
	var (
		mu  sync.Mutex
		ops []Operation
	)
	record := func(next Handler) Handler {
		return func(ctx context.Context, inv Invocation) (any, error) {
			mu.Lock()
			ops = append(ops, inv.Operation)
			mu.Unlock()
			return next(ctx, inv)
		}
	}
	tc := newTestCluster(t, withMiddleware(record))
	ctx := context.Background()
	one := NewArgs(testTable).WithShards(0).MustBuild()

	_, err := ReadIndexes[int](ctx, tc.cc, one, "count")
	require.NoError(t, err)
	_, err = ReadIndexesAsync[int](ctx, tc.cc, one, "count")
	require.NoError(t, err)
	_, err = ReadIndex[int](ctx, tc.cc, one, "count")
	require.NoError(t, err)
	_, err = ReadIndexAsync[int](ctx, tc.cc, one, "count")
	require.NoError(t, err)
	_, err = ReadServers[int](ctx, tc.cc, one, "countSum")
	require.NoError(t, err)
	_, err = ReadServersAsync[int](ctx, tc.cc, one, "countSum")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Operation{
		OpReadIndexes, OpReadIndexesAsync, OpReadIndex,
		OpReadIndexAsync, OpReadServers, OpReadServersAsync,
	}, ops)
}

func TestNewClusterContextValidation(t *testing.T) {
	registry := NewRegistry()
	tables := staticTables{}
	topology := staticTopology{}
	executor := NewLocalExecutor(registry, tables)

	tests := []struct {
		name string
		opts Options
	}{
		{"no registry", Options{Tables: tables, Topology: topology, Executor: executor}},
		{"no tables", Options{Registry: registry, Topology: topology, Executor: executor}},
		{"no topology", Options{Registry: registry, Tables: tables, Executor: executor}},
		{"no executor", Options{Registry: registry, Tables: tables, Topology: topology}},
		{"negative pool", Options{Registry: registry, Tables: tables, Topology: topology, Executor: executor, PoolSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClusterContext(tt.opts)
			assert.Error(t, err)
		})
	}

	cc, err := NewClusterContext(Options{Registry: registry, Tables: tables, Topology: topology, Executor: executor})
	require.NoError(t, err)
	defer cc.Close()
	assert.Equal(t, DefaultPoolSize, cc.PoolStats().Workers)
}

func TestReadIndexShardReportsTarget(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	shard, got, err := ReadIndexShard[int](ctx, tc.cc, NewArgs(testTable).WithServers(serverB).MustBuild(), "count")
	require.NoError(t, err)
	assert.Equal(t, shardOf(2), shard)
	assert.Equal(t, 3, got)

	_, _, err = ReadIndexShard[int](ctx, tc.cc, NewArgs(testTable).MustBuild(), "count")
	assert.ErrorIs(t, err, ErrAmbiguousTarget)
}

func TestArgsValidatorRunsBeforeDispatch(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	_, err := ReadIndexes[int](ctx, tc.cc, NewArgs(testTable).MustBuild(), "guarded")
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrExecution)
	for i := 0; i < 3; i++ {
		assert.Zerof(t, tc.provider.openCount(i), "shard %d opened", i)
	}

	got, err := ReadIndexes[int](ctx, tc.cc, NewArgs(testTable).SetString("need", "yes").MustBuild(), "guarded")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMiddlewareSeesRejectedCalls(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(next Handler) Handler {
		return func(ctx context.Context, inv Invocation) (any, error) {
			v, err := next(ctx, inv)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return v, err
		}
	}
	tc := newTestCluster(t, withMiddleware(record))
	ctx := context.Background()
	args := NewArgs(testTable).MustBuild()

	_, err := ReadIndexes[int](ctx, tc.cc, args, "nope")
	require.ErrorIs(t, err, ErrUnknownCommand)
	_, err = ReadIndex[string](ctx, tc.cc, NewArgs(testTable).WithShards(0).MustBuild(), "count")
	require.ErrorIs(t, err, ErrCommandType)
	_, err = ReadServers[int](ctx, tc.cc, args, "count")
	require.ErrorIs(t, err, ErrCommandType)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], ErrUnknownCommand)
	assert.ErrorIs(t, errs[1], ErrCommandType)
	assert.ErrorIs(t, errs[2], ErrCommandType)
}
