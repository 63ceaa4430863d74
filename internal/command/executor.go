package command

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// ShardRequest describes one shard task: run the shard phase of Command
// against Shard, which Server owns.
type ShardRequest struct {
	Args    *Args  `json:"args"`
	Command string `json:"command"`
	Server  Server `json:"server"`
	Shard   Shard  `json:"shard"`
}

// Executor runs a shard task wherever the shard lives. The returned value is
// either the command's typed shard result or a json.RawMessage encoding it.
type Executor interface {
	ExecuteShard(ctx context.Context, req ShardRequest) (any, error)
}

// IndexHandle is an IndexReader that must be released after use.
type IndexHandle interface {
	IndexReader
	Close() error
}

// IndexProvider opens read-only views of the shards a server hosts.
type IndexProvider interface {
	OpenIndex(ctx context.Context, shard Shard) (IndexHandle, error)
}

// LocalExecutor executes shard tasks in-process against attached servers.
type LocalExecutor struct {
	registry *Registry
	tables   TableLookup
	servers  *xsync.MapOf[Server, IndexProvider]
}

// NewLocalExecutor creates an executor with no servers attached.
func NewLocalExecutor(registry *Registry, tables TableLookup) *LocalExecutor {
	return &LocalExecutor{
		registry: registry,
		tables:   tables,
		servers:  xsync.NewMapOf[Server, IndexProvider](),
	}
}

// Attach makes server's shards reachable through provider.
func (e *LocalExecutor) Attach(server Server, provider IndexProvider) {
	e.servers.Store(server, provider)
}

// Detach removes server.
func (e *LocalExecutor) Detach(server Server) {
	e.servers.Delete(server)
}

// ExecuteShard implements Executor.
func (e *LocalExecutor) ExecuteShard(ctx context.Context, req ShardRequest) (any, error) {
	provider, ok := e.servers.Load(req.Server)
	if !ok {
		return nil, fmt.Errorf("server %s is not attached", req.Server)
	}
	return ExecuteOnIndex(ctx, e.registry, e.tables, provider, req)
}

// ExecuteOnIndex opens req.Shard on provider and runs the shard phase of the
// named command against it with a fresh command instance.
func ExecuteOnIndex(ctx context.Context, registry *Registry, tables TableLookup, provider IndexProvider, req ShardRequest) (any, error) {
	if req.Args == nil {
		return nil, &ValidationError{Field: "args", Reason: "missing"}
	}
	table, err := tables.TableContext(req.Shard.Table)
	if err != nil {
		return nil, err
	}
	handle, err := provider.OpenIndex(ctx, req.Shard)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.Shard, err)
	}
	defer handle.Close()

	return registry.RunShard(ctx, req.Command, NewIndexContext(req.Shard, req.Args, table, handle))
}
