package command

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"golang.org/x/exp/slices"
)

// Args is the immutable request descriptor shared by every task spawned for
// one call. Build it with NewArgs(...).Build().
//
// A nil shard or server subset means "not restricted"; a non-nil empty subset
// means "target nothing".
type Args struct {
	deadline time.Time
	params   map[string][]byte
	table    string
	shards   []int
	servers  []Server
	timeout  time.Duration
}

// ArgsBuilder accumulates Args fields; Build validates them.
type ArgsBuilder struct {
	a    Args
	errs []error
}

// NewArgs starts building Args for table.
func NewArgs(table string) *ArgsBuilder {
	return &ArgsBuilder{a: Args{table: table, params: make(map[string][]byte)}}
}

// WithShards restricts the call to the given shard indexes. Calling it with
// no indexes requests an explicit empty subset.
func (b *ArgsBuilder) WithShards(indexes ...int) *ArgsBuilder {
	shards := make([]int, 0, len(indexes))
	for _, i := range indexes {
		if i < 0 {
			b.errs = append(b.errs, &ValidationError{Field: "shard", Value: strconv.Itoa(i), Reason: "negative shard index"})
			continue
		}
		if !slices.Contains(shards, i) {
			shards = append(shards, i)
		}
	}
	slices.Sort(shards)
	b.a.shards = shards
	return b
}

// WithShardNames is WithShards for canonical shard names.
func (b *ArgsBuilder) WithShardNames(names ...string) *ArgsBuilder {
	indexes := make([]int, 0, len(names))
	for _, name := range names {
		i, err := ParseShardName(name)
		if err != nil {
			b.errs = append(b.errs, err)
			continue
		}
		indexes = append(indexes, i)
	}
	return b.WithShards(indexes...)
}

// WithServers restricts the call to shards owned by the given servers.
// Calling it with no servers requests an explicit empty subset.
func (b *ArgsBuilder) WithServers(servers ...Server) *ArgsBuilder {
	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		if err := ValidateServer(s); err != nil {
			b.errs = append(b.errs, err)
			continue
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	b.a.servers = out
	return b
}

// WithDeadline sets an absolute deadline for the call.
func (b *ArgsBuilder) WithDeadline(t time.Time) *ArgsBuilder {
	b.a.deadline = t
	return b
}

// WithTimeout sets a deadline relative to the moment the call is submitted.
func (b *ArgsBuilder) WithTimeout(d time.Duration) *ArgsBuilder {
	if d < 0 {
		b.errs = append(b.errs, &ValidationError{Field: "timeout", Value: d.String(), Reason: "negative timeout"})
		return b
	}
	b.a.timeout = d
	return b
}

// Set stores a named byte parameter.
func (b *ArgsBuilder) Set(name string, value []byte) *ArgsBuilder {
	if name == "" {
		b.errs = append(b.errs, &ValidationError{Field: "param", Reason: "empty parameter name"})
		return b
	}
	b.a.params[name] = bytes.Clone(value)
	return b
}

// SetString stores a named string parameter.
func (b *ArgsBuilder) SetString(name, value string) *ArgsBuilder {
	return b.Set(name, []byte(value))
}

// Build validates the accumulated fields and returns the immutable Args.
func (b *ArgsBuilder) Build() (*Args, error) {
	if err := ValidateTableName(b.a.table); err != nil {
		return nil, err
	}
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	a := b.a
	a.shards = slices.Clone(b.a.shards)
	a.servers = slices.Clone(b.a.servers)
	a.params = make(map[string][]byte, len(b.a.params))
	for k, v := range b.a.params {
		a.params[k] = bytes.Clone(v)
	}
	return &a, nil
}

// MustBuild is Build that panics on error, for tests and static Args.
func (b *ArgsBuilder) MustBuild() *Args {
	a, err := b.Build()
	if err != nil {
		panic(err)
	}
	return a
}

// Table returns the target table name.
func (a *Args) Table() string { return a.table }

// Shards returns the explicit shard subset and whether one was given.
func (a *Args) Shards() ([]int, bool) {
	if a.shards == nil {
		return nil, false
	}
	return slices.Clone(a.shards), true
}

// Servers returns the explicit server subset and whether one was given.
func (a *Args) Servers() ([]Server, bool) {
	if a.servers == nil {
		return nil, false
	}
	return slices.Clone(a.servers), true
}

// Deadline returns the absolute deadline, if any.
func (a *Args) Deadline() (time.Time, bool) {
	return a.deadline, !a.deadline.IsZero()
}

// Timeout returns the submission-relative timeout, if any.
func (a *Args) Timeout() (time.Duration, bool) {
	return a.timeout, a.timeout > 0
}

// Param returns a copy of the named byte parameter.
func (a *Args) Param(name string) ([]byte, bool) {
	v, ok := a.params[name]
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// String returns the named parameter as a string.
func (a *Args) String(name string) (string, bool) {
	v, ok := a.params[name]
	return string(v), ok
}

// ParamNames returns the sorted parameter names.
func (a *Args) ParamNames() []string {
	names := make([]string, 0, len(a.params))
	for k := range a.params {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// effectiveDeadline combines the absolute deadline, the relative timeout and
// a fallback timeout, returning the earliest that applies.
func (a *Args) effectiveDeadline(now time.Time, fallback time.Duration) (time.Time, bool) {
	var out time.Time
	if d, ok := a.Deadline(); ok {
		out = d
	}
	timeout := a.timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout > 0 {
		if t := now.Add(timeout); out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out, !out.IsZero()
}

type argsJSON struct {
	Deadline *time.Time        `json:"deadline,omitempty"`
	Params   map[string][]byte `json:"params,omitempty"`
	Table    string            `json:"table"`
	Shards   *[]int            `json:"shards,omitempty"`
	Servers  *[]Server         `json:"servers,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// MarshalJSON encodes Args for shipping a shard execution to another node.
func (a *Args) MarshalJSON() ([]byte, error) {
	w := argsJSON{Table: a.table, Params: a.params, Timeout: a.timeout}
	if a.shards != nil {
		w.Shards = &a.shards
	}
	if a.servers != nil {
		w.Servers = &a.servers
	}
	if !a.deadline.IsZero() {
		w.Deadline = &a.deadline
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and re-validates Args.
func (a *Args) UnmarshalJSON(data []byte) error {
	var w argsJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b := NewArgs(w.Table)
	if w.Shards != nil {
		b.WithShards(*w.Shards...)
	}
	if w.Servers != nil {
		b.WithServers(*w.Servers...)
	}
	if w.Deadline != nil {
		b.WithDeadline(*w.Deadline)
	}
	if w.Timeout > 0 {
		b.WithTimeout(w.Timeout)
	}
	for k, v := range w.Params {
		b.Set(k, v)
	}
	built, err := b.Build()
	if err != nil {
		return err
	}
	*a = *built
	return nil
}
