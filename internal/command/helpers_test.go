package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/blurd/internal/storage"
)

const testTable = "docs"

var (
	serverA = Server("node-a")
	serverB = Server("node-b")
)

func shardOf(i int) Shard {
	return Shard{Table: testTable, Index: i}
}

// staticTables is a TableLookup over a fixed set of tables.
type staticTables map[string]TableContext

func (s staticTables) TableContext(table string) (TableContext, error) {
	tc, ok := s[table]
	if !ok {
		return TableContext{}, fmt.Errorf("table %s not found", table)
	}
	return tc, nil
}

// staticTopology is a Topology over fixed layouts.
type staticTopology map[string]map[int]Server

func (s staticTopology) Layout(table string) (map[int]Server, error) {
	out := make(map[int]Server, len(s[table]))
	for k, v := range s[table] {
		out[k] = v
	}
	return out, nil
}

// fakeReader reports a fixed document count.
type fakeReader struct {
	err   error
	count int
}

func (r *fakeReader) NumDocs() (int, error) { return r.count, r.err }
func (r *fakeReader) Document(id string) (storage.Document, error) {
	return storage.Document{}, storage.ErrDocumentNotFound
}
func (r *fakeReader) TermDocs(field, term string) (int, error) { return 0, r.err }
func (r *fakeReader) Scan(fn func(storage.Document) error) error {
	return r.err
}
func (r *fakeReader) Close() error { return nil }

// fakeProvider serves fakeReaders and counts how often each shard is opened.
type fakeProvider struct {
	counts map[int]int
	errs   map[int]error
	hook   func(ctx context.Context, shard Shard) error

	mu     sync.Mutex
	opened map[int]int
}

func (p *fakeProvider) OpenIndex(ctx context.Context, shard Shard) (IndexHandle, error) {
	p.mu.Lock()
	if p.opened == nil {
		p.opened = make(map[int]int)
	}
	p.opened[shard.Index]++
	p.mu.Unlock()

	if p.hook != nil {
		if err := p.hook(ctx, shard); err != nil {
			return nil, err
		}
	}
	return &fakeReader{count: p.counts[shard.Index], err: p.errs[shard.Index]}, nil
}

func (p *fakeProvider) openCount(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened[i]
}

type countCommand struct{}

func (countCommand) Name() string { return "count" }

func (countCommand) Execute(ctx context.Context, ic IndexContext) (int, error) {
	return ic.IndexReader().NumDocs()
}

type combineRecord struct {
	server Server
	shards []int
}

// sumCommand counts per shard and sums per server, recording every combine.
type sumCommand struct {
	log    *combineLog
	failOn Server
}

type combineLog struct {
	mu      sync.Mutex
	records []combineRecord
}

func (l *combineLog) add(r combineRecord) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

func (l *combineLog) snapshot() []combineRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]combineRecord(nil), l.records...)
}

func (sumCommand) Name() string { return "countSum" }

func (c sumCommand) ShardExecute(ctx context.Context, ic IndexContext) (int, error) {
	return ic.IndexReader().NumDocs()
}

func (c sumCommand) Combine(ctx context.Context, server Server, results map[Shard]int) (int, error) {
	var shards []int
	total := 0
	for shard, n := range results {
		shards = append(shards, shard.Index)
		total += n
	}
	c.log.add(combineRecord{server: server, shards: shards})
	if server == c.failOn {
		return 0, fmt.Errorf("combine refused on %s", server)
	}
	return total, nil
}

type panicCommand struct{}

func (panicCommand) Name() string { return "explode" }

func (panicCommand) Execute(ctx context.Context, ic IndexContext) (int, error) {
	panic("boom")
}

// guardedCommand counts documents but requires a "need" parameter.
type guardedCommand struct{ countCommand }

func (guardedCommand) Name() string { return "guarded" }

func (guardedCommand) ValidateArgs(args *Args) error {
	if _, ok := args.String("need"); !ok {
		return &ValidationError{Field: "param", Value: "need", Reason: "required"}
	}
	return nil
}

type testCluster struct {
	cc       *ClusterContext
	provider *fakeProvider
	combines *combineLog
}

type clusterOption func(*Options)

func withPoolSize(n int) clusterOption {
	return func(o *Options) { o.PoolSize = n }
}

func withMiddleware(mw ...Middleware) clusterOption {
	return func(o *Options) { o.Middleware = append(o.Middleware, mw...) }
}

func withLayout(layout map[int]Server) clusterOption {
	return func(o *Options) { o.Topology = staticTopology{testTable: layout} }
}

func wrapExecutor(wrap func(Executor) Executor) clusterOption {
	return func(o *Options) { o.Executor = wrap(o.Executor) }
}

// newTestCluster builds a three shard table with 5, 7 and 3 documents.
// Shards 0 and 1 live on node-a, shard 2 on node-b.
func newTestCluster(t *testing.T, opts ...clusterOption) *testCluster {
	t.Helper()

	tables := staticTables{testTable: {Name: testTable, ShardCount: 3}}
	provider := &fakeProvider{counts: map[int]int{0: 5, 1: 7, 2: 3}}
	combines := &combineLog{}

	registry := NewRegistry()
	MustRegisterRead[int](registry, "count", func(*Args) ReadCommand[int] { return countCommand{} })
	MustRegisterRead[int](registry, "explode", func(*Args) ReadCommand[int] { return panicCommand{} })
	MustRegisterRead[int](registry, "guarded", func(*Args) ReadCommand[int] { return guardedCommand{} })
	MustRegisterCombining[int, int](registry, "countSum", func(args *Args) CombiningReadCommand[int, int] {
		failOn, _ := args.String("fail_on")
		return sumCommand{log: combines, failOn: Server(failOn)}
	})

	local := NewLocalExecutor(registry, tables)
	local.Attach(serverA, provider)
	local.Attach(serverB, provider)

	o := Options{
		Registry: registry,
		Tables:   tables,
		Topology: staticTopology{testTable: {0: serverA, 1: serverA, 2: serverB}},
		Executor: local,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cc, err := NewClusterContext(o)
	require.NoError(t, err)
	t.Cleanup(cc.Close)

	return &testCluster{cc: cc, provider: provider, combines: combines}
}

// rawExecutor wraps an executor and re-encodes its results as JSON, the way
// a remote node returns them.
type rawExecutor struct {
	next  Executor
	calls atomic.Int64
}

func (e *rawExecutor) ExecuteShard(ctx context.Context, req ShardRequest) (any, error) {
	e.calls.Add(1)
	v, err := e.next.ExecuteShard(ctx, req)
	if err != nil {
		return nil, err
	}
	if n, ok := v.(int); ok {
		return json.RawMessage(strconv.Itoa(n)), nil
	}
	b, err := json.Marshal(v)
	return json.RawMessage(b), err
}
