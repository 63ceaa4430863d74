package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"
)

// Registry maps stable command names to factories. Every process that may
// execute a shard task holds a registry with the same names, which is how a
// command is reconstructed on a remote node from its name and Args.
type Registry struct {
	entries *xsync.MapOf[string, *entry]
}

// Factory builds a fresh command instance for one shard execution.
type Factory[C any] func(args *Args) C

type shardMarker[I any] struct{}
type combineMarker[T any] struct{}

type entry struct {
	shardMarker   any
	combineMarker any
	run           func(ctx context.Context, ic IndexContext) (any, error)
	combine       func(ctx context.Context, args *Args, server Server, results map[Shard]any) (any, error)
	normalize     func(v any) (any, error)
	validate      func(args *Args) error
	name          string
}

func (e *entry) combining() bool { return e.combine != nil }

// ArgsValidator is implemented by commands that can reject their Args before
// any shard task is dispatched.
type ArgsValidator interface {
	ValidateArgs(args *Args) error
}

// validator builds the pre-dispatch check of a factory's commands.
func validator[C any](factory Factory[C]) func(*Args) error {
	return func(args *Args) error {
		if v, ok := any(factory(args)).(ArgsValidator); ok {
			return v.ValidateArgs(args)
		}
		return nil
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: xsync.NewMapOf[string, *entry]()}
}

// RegisterRead registers a plain read command under name.
func RegisterRead[T any](r *Registry, name string, factory Factory[ReadCommand[T]]) error {
	e := &entry{
		name:        name,
		shardMarker: shardMarker[T]{},
		run: func(ctx context.Context, ic IndexContext) (any, error) {
			return factory(ic.Args()).Execute(ctx, ic)
		},
		normalize: normalizer[T](),
		validate:  validator(factory),
	}
	return r.add(e)
}

// RegisterCombining registers a combining command under name.
func RegisterCombining[I, T any](r *Registry, name string, factory Factory[CombiningReadCommand[I, T]]) error {
	e := &entry{
		name:          name,
		shardMarker:   shardMarker[I]{},
		combineMarker: combineMarker[T]{},
		run: func(ctx context.Context, ic IndexContext) (any, error) {
			return factory(ic.Args()).ShardExecute(ctx, ic)
		},
		combine: func(ctx context.Context, args *Args, server Server, results map[Shard]any) (any, error) {
			typed := make(map[Shard]I, len(results))
			for shard, v := range results {
				iv, err := as[I](v)
				if err != nil {
					return nil, err
				}
				typed[shard] = iv
			}
			return factory(args).Combine(ctx, server, typed)
		},
		normalize: normalizer[I](),
		validate:  validator(factory),
	}
	return r.add(e)
}

// MustRegisterRead is RegisterRead that panics on a duplicate name.
func MustRegisterRead[T any](r *Registry, name string, factory Factory[ReadCommand[T]]) {
	if err := RegisterRead(r, name, factory); err != nil {
		panic(err)
	}
}

// MustRegisterCombining is RegisterCombining that panics on a duplicate name.
func MustRegisterCombining[I, T any](r *Registry, name string, factory Factory[CombiningReadCommand[I, T]]) {
	if err := RegisterCombining(r, name, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) add(e *entry) error {
	if err := validateCommandName(e.name); err != nil {
		return err
	}
	if _, loaded := r.entries.LoadOrStore(e.name, e); loaded {
		return fmt.Errorf("command %q already registered", e.name)
	}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	e, ok := r.entries.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return e, nil
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.entries.Size())
	r.entries.Range(func(name string, _ *entry) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// IsCombining reports whether name is a combining command.
func (r *Registry) IsCombining(name string) (bool, error) {
	e, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	return e.combining(), nil
}

// RunShard executes the shard phase of the named command against ic using a
// fresh command instance. It is what a node runs for a shipped shard task.
func (r *Registry) RunShard(ctx context.Context, name string, ic IndexContext) (any, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, ic)
}

func validateCommandName(name string) error {
	if !identifierPattern.MatchString(name) {
		return &ValidationError{Field: "command", Value: name, Reason: "must match [A-Za-z0-9_-]+"}
	}
	return nil
}

// normalizer converts a shard result as produced by an Executor into I. Local
// executors hand back typed values; remote ones hand back raw JSON.
func normalizer[I any]() func(any) (any, error) {
	return func(v any) (any, error) {
		if raw, ok := v.(json.RawMessage); ok {
			var out I
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("decode shard result: %w", err)
			}
			return out, nil
		}
		iv, err := as[I](v)
		if err != nil {
			return nil, err
		}
		return iv, nil
	}
}

// as asserts v to T, treating a nil interface as the zero value.
func as[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrCommandType, v, zero)
	}
	return t, nil
}
