package command

import (
	"context"

	"github.com/dreamware/blurd/internal/storage"
)

// IndexReader is the read-only view of one shard's index. Implementations
// represent an immutable point-in-time view and must be safe for concurrent
// use by any number of commands.
type IndexReader interface {
	NumDocs() (int, error)
	Document(id string) (storage.Document, error)
	TermDocs(field, term string) (int, error)
	Scan(fn func(storage.Document) error) error
}

// IndexContext is the per-shard execution environment handed to commands.
type IndexContext interface {
	Shard() Shard
	Args() *Args
	TableContext() TableContext
	IndexReader() IndexReader
}

// Command is anything addressable by a stable name.
type Command interface {
	Name() string
}

// ReadCommand computes a value from one shard's index.
//
// Execute should poll ctx at safe points (between result batches) so that a
// cancelled call stops early; cancellation is cooperative.
type ReadCommand[T any] interface {
	Command
	Execute(ctx context.Context, ic IndexContext) (T, error)
}

// CombiningReadCommand computes a per-shard value and reduces the values of
// the shards owned by one server into a per-server value.
//
// Combine receives exactly the results of the server's targeted shards. It
// must not depend on the iteration order of the map.
type CombiningReadCommand[I, T any] interface {
	Command
	ShardExecute(ctx context.Context, ic IndexContext) (I, error)
	Combine(ctx context.Context, server Server, results map[Shard]I) (T, error)
}

// TableContext is the per-table metadata needed to validate and resolve Args.
type TableContext struct {
	Name       string `json:"name" yaml:"name"`
	Location   string `json:"location,omitempty" yaml:"location"`
	ShardCount int    `json:"shard_count" yaml:"shard_count"`
}

// TableLookup resolves table metadata.
type TableLookup interface {
	TableContext(table string) (TableContext, error)
}

// Topology supplies the shard → server mapping of a table. The returned map is
// a snapshot owned by the caller; shards without an owner are absent.
type Topology interface {
	Layout(table string) (map[int]Server, error)
}

type indexContext struct {
	reader IndexReader
	args   *Args
	table  TableContext
	shard  Shard
}

// NewIndexContext assembles an IndexContext from its parts.
func NewIndexContext(shard Shard, args *Args, table TableContext, reader IndexReader) IndexContext {
	return &indexContext{shard: shard, args: args, table: table, reader: reader}
}

func (c *indexContext) Shard() Shard               { return c.shard }
func (c *indexContext) Args() *Args                { return c.args }
func (c *indexContext) TableContext() TableContext { return c.table }
func (c *indexContext) IndexReader() IndexReader   { return c.reader }
