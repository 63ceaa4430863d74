// Package builtin holds the stock commands every node and coordinator
// registers: document and term counts, each with a per-server aggregate.
package builtin

import (
	"context"
	"strings"

	"golang.org/x/exp/constraints"

	"github.com/dreamware/blurd/internal/command"
)

// Command names.
const (
	DocCount           = "docCount"
	DocCountAggregate  = "docCountAggregate"
	TermCount          = "termCount"
	TermCountAggregate = "termCountAggregate"
)

// Parameter names read by the term commands.
const (
	ParamField = "field"
	ParamTerm  = "term"
)

// RegisterAll registers every builtin command on r.
func RegisterAll(r *command.Registry) error {
	if err := command.RegisterRead[int](r, DocCount, func(*command.Args) command.ReadCommand[int] {
		return DocumentCount{}
	}); err != nil {
		return err
	}
	if err := command.RegisterCombining[int, int](r, DocCountAggregate, func(*command.Args) command.CombiningReadCommand[int, int] {
		return DocumentCountAggregate{}
	}); err != nil {
		return err
	}
	if err := command.RegisterRead[int](r, TermCount, func(args *command.Args) command.ReadCommand[int] {
		return newTermQuery(args)
	}); err != nil {
		return err
	}
	return command.RegisterCombining[int, int](r, TermCountAggregate, func(args *command.Args) command.CombiningReadCommand[int, int] {
		return TermCountSum{q: newTermQuery(args)}
	})
}

// NewRegistry returns a registry holding the builtin commands.
func NewRegistry() *command.Registry {
	r := command.NewRegistry()
	if err := RegisterAll(r); err != nil {
		panic(err)
	}
	return r
}

// Sum adds up per-shard numeric results.
func Sum[N constraints.Integer | constraints.Float](results map[command.Shard]N) N {
	var total N
	for _, n := range results {
		total += n
	}
	return total
}

// DocumentCount returns the number of live documents in a shard.
type DocumentCount struct{}

func (DocumentCount) Name() string { return DocCount }

func (DocumentCount) Execute(ctx context.Context, ic command.IndexContext) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return ic.IndexReader().NumDocs()
}

// DocumentCountAggregate counts documents per shard and sums them per server.
type DocumentCountAggregate struct {
	DocumentCount
}

func (DocumentCountAggregate) Name() string { return DocCountAggregate }

func (c DocumentCountAggregate) ShardExecute(ctx context.Context, ic command.IndexContext) (int, error) {
	return c.Execute(ctx, ic)
}

func (DocumentCountAggregate) Combine(_ context.Context, _ command.Server, results map[command.Shard]int) (int, error) {
	return Sum(results), nil
}

// TermQuery counts the documents of a shard whose field contains a term.
// Terms are matched case-insensitively.
type TermQuery struct {
	err   error
	field string
	term  string
}

func newTermQuery(args *command.Args) TermQuery {
	field, ok := args.String(ParamField)
	if !ok || field == "" {
		return TermQuery{err: &command.ValidationError{Field: "param", Value: ParamField, Reason: "required"}}
	}
	term, ok := args.String(ParamTerm)
	if !ok || strings.TrimSpace(term) == "" {
		return TermQuery{err: &command.ValidationError{Field: "param", Value: ParamTerm, Reason: "required"}}
	}
	return TermQuery{field: field, term: strings.ToLower(strings.TrimSpace(term))}
}

func (TermQuery) Name() string { return TermCount }

// ValidateArgs rejects a query missing its field or term before dispatch.
func (q TermQuery) ValidateArgs(*command.Args) error { return q.err }

func (q TermQuery) Execute(ctx context.Context, ic command.IndexContext) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return ic.IndexReader().TermDocs(q.field, q.term)
}

// TermCountSum is TermQuery summed per server.
type TermCountSum struct {
	q TermQuery
}

func (TermCountSum) Name() string { return TermCountAggregate }

func (c TermCountSum) ValidateArgs(args *command.Args) error { return c.q.ValidateArgs(args) }

func (c TermCountSum) ShardExecute(ctx context.Context, ic command.IndexContext) (int, error) {
	return c.q.Execute(ctx, ic)
}

func (TermCountSum) Combine(_ context.Context, _ command.Server, results map[command.Shard]int) (int, error) {
	return Sum(results), nil
}
