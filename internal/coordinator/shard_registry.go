// Package coordinator implements the control plane of a blurd cluster.
// See doc.go for complete package documentation.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/blurd/internal/command"
	"github.com/dreamware/blurd/internal/shard"
)

var (
	// ErrUnknownTable is returned for operations on a table that was never defined.
	ErrUnknownTable = errors.New("unknown table")

	// ErrTableConflict is returned when a table is redefined with a different shard count.
	ErrTableConflict = errors.New("table already defined with a different shard count")

	// ErrNoServers is returned when a rebalance is requested with an empty server list.
	ErrNoServers = errors.New("cannot rebalance with no servers")
)

// ShardAssignment records which server owns one shard of one table.
//
// Assignments handed out by the registry are copies; mutating them has no
// effect on the registry.
type ShardAssignment struct {
	Table  string         `json:"table"`
	Server command.Server `json:"server"`
	Shard  int            `json:"shard"`
}

// tableShards is the per-table slice of the registry.
type tableShards struct {
	owners map[int]command.Server // shard index -> owner; unassigned shards are absent
	meta   command.TableContext
}

// ShardRegistry is the authoritative table → shard → server map of the
// cluster. It implements command.Topology and command.TableLookup, which is
// how the dispatcher resolves Args against the current topology.
//
// Architecture:
//
//	┌───────────────────────────────────────────┐
//	│              ShardRegistry                │
//	├───────────────────────────────────────────┤
//	│  tables: name → {TableContext, owners}    │
//	│  owners: shard index → server             │
//	│  mu: RWMutex                              │
//	├───────────────────────────────────────────┤
//	│  Layout("docs") → {0:"n1", 1:"n2", ...}   │
//	│  key → xxhash → shard → server            │
//	└───────────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations take the read lock and return copies
//   - Layout returns a snapshot, so one dispatcher call sees one topology
//     even while shards move underneath it
//   - Write operations take the write lock
type ShardRegistry struct {
	tables map[string]*tableShards
	mu     sync.RWMutex
}

// NewShardRegistry creates an empty registry with no tables.
func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{tables: make(map[string]*tableShards)}
}

// DefineTable registers a table and its fixed shard count.
//
// Redefining an existing table with the same shard count is a no-op apart
// from updating its location; a different shard count is rejected with
// ErrTableConflict because shard membership is fixed for the table lifetime.
//
// Example:
//
//	err := registry.DefineTable(command.TableContext{Name: "docs", ShardCount: 8})
func (r *ShardRegistry) DefineTable(tc command.TableContext) error {
	if err := command.ValidateTableName(tc.Name); err != nil {
		return err
	}
	if tc.ShardCount <= 0 {
		return fmt.Errorf("table %s: shard count must be positive, got %d", tc.Name, tc.ShardCount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tables[tc.Name]; ok {
		if existing.meta.ShardCount != tc.ShardCount {
			return errors.Wrapf(ErrTableConflict, "table %s has %d shards", tc.Name, existing.meta.ShardCount)
		}
		existing.meta.Location = tc.Location
		return nil
	}
	r.tables[tc.Name] = &tableShards{meta: tc, owners: make(map[int]command.Server)}
	return nil
}

// Tables returns the metadata of every defined table, sorted by name.
func (r *ShardRegistry) Tables() []command.TableContext {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]command.TableContext, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t.meta)
	}
	slices.SortFunc(out, func(a, b command.TableContext) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// TableContext implements command.TableLookup.
func (r *ShardRegistry) TableContext(table string) (command.TableContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[table]
	if !ok {
		return command.TableContext{}, errors.Wrap(ErrUnknownTable, table)
	}
	return t.meta, nil
}

// table returns the named table; the caller holds r.mu.
func (r *ShardRegistry) table(name string) (*tableShards, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownTable, name)
	}
	return t, nil
}

func (t *tableShards) checkShard(index int) error {
	if index < 0 || index >= t.meta.ShardCount {
		return fmt.Errorf("invalid shard %d for table %s, must be in range [0, %d)", index, t.meta.Name, t.meta.ShardCount)
	}
	return nil
}

// AssignShard makes server the owner of one shard, replacing any previous
// owner.
//
// Use cases:
//   - Initial shard distribution during cluster setup
//   - Moving a shard away from a failed server
//   - Manual placement through the coordinator API
func (r *ShardRegistry) AssignShard(table string, index int, server command.Server) error {
	if err := command.ValidateServer(server); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.table(table)
	if err != nil {
		return err
	}
	if err := t.checkShard(index); err != nil {
		return err
	}
	t.owners[index] = server
	return nil
}

// RemoveShard leaves a shard without an owner. Calls that target it fail with
// a NoShardsError until it is reassigned. Removing an unassigned shard is not
// an error.
func (r *ShardRegistry) RemoveShard(table string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.table(table)
	if err != nil {
		return err
	}
	if err := t.checkShard(index); err != nil {
		return err
	}
	delete(t.owners, index)
	return nil
}

// GetAssignment returns a copy of the assignment of one shard, or nil if the
// shard is unassigned or the table unknown.
func (r *ShardRegistry) GetAssignment(table string, index int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[table]
	if !ok {
		return nil
	}
	server, ok := t.owners[index]
	if !ok {
		return nil
	}
	return &ShardAssignment{Table: table, Shard: index, Server: server}
}

// GetAllAssignments returns every assignment of table ordered by shard index.
// Unassigned shards are omitted.
func (r *ShardRegistry) GetAllAssignments(table string) ([]ShardAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, err := r.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]ShardAssignment, 0, len(t.owners))
	for index, server := range t.owners {
		out = append(out, ShardAssignment{Table: table, Shard: index, Server: server})
	}
	slices.SortFunc(out, func(a, b ShardAssignment) int { return a.Shard - b.Shard })
	return out, nil
}

// Layout implements command.Topology. The returned map is a snapshot owned
// by the caller.
func (r *ShardRegistry) Layout(table string) (map[int]command.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, err := r.table(table)
	if err != nil {
		return nil, err
	}
	out := make(map[int]command.Server, len(t.owners))
	for index, server := range t.owners {
		out[index] = server
	}
	return out, nil
}

// GetServerShards returns every shard owned by server across all tables,
// ordered by table then index.
//
// Use cases:
//   - Telling a node which shards to open at registration
//   - Working out what moves when a server fails
func (r *ShardRegistry) GetServerShards(server command.Server) []command.Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []command.Shard
	for name, t := range r.tables {
		for index, owner := range t.owners {
			if owner == server {
				out = append(out, command.Shard{Table: name, Index: index})
			}
		}
	}
	sortShards(out)
	return out
}

// ShardForKey maps a document id to the shard of table that stores it,
// using the same function nodes use to check ownership.
func (r *ShardRegistry) ShardForKey(table, key string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, err := r.table(table)
	if err != nil {
		return 0, err
	}
	return shard.IndexForKey(key, t.meta.ShardCount), nil
}

// ServerForKey routes a document id to the server owning its shard.
func (r *ShardRegistry) ServerForKey(table, key string) (command.Shard, command.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, err := r.table(table)
	if err != nil {
		return command.Shard{}, "", err
	}
	target := command.Shard{Table: table, Index: shard.IndexForKey(key, t.meta.ShardCount)}
	server, ok := t.owners[target.Index]
	if !ok {
		return target, "", &command.NoShardsError{Table: table, Unassigned: []int{target.Index}}
	}
	return target, server, nil
}

// RebalanceShards redistributes every shard of table over servers in
// round-robin order: shard i goes to servers[i % len(servers)].
//
// Current limitations:
//   - Simple round-robin (doesn't consider shard size)
//   - No data migration; nodes open whatever they are handed
func (r *ShardRegistry) RebalanceShards(table string, servers []command.Server) error {
	if len(servers) == 0 {
		return ErrNoServers
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.table(table)
	if err != nil {
		return err
	}
	for index := 0; index < t.meta.ShardCount; index++ {
		t.owners[index] = servers[index%len(servers)]
	}
	return nil
}

// ReassignServer moves every shard owned by failed onto survivors in
// round-robin order. With no survivors the shards are left unassigned.
// It returns the shards that changed hands.
func (r *ShardRegistry) ReassignServer(failed command.Server, survivors []command.Server) []command.Shard {
	survivors = slices.DeleteFunc(slices.Clone(survivors), func(s command.Server) bool { return s == failed })

	r.mu.Lock()
	defer r.mu.Unlock()

	var moved []command.Shard
	for name, t := range r.tables {
		for index, owner := range t.owners {
			if owner == failed {
				moved = append(moved, command.Shard{Table: name, Index: index})
			}
		}
	}
	sortShards(moved)

	for i, s := range moved {
		t := r.tables[s.Table]
		if len(survivors) == 0 {
			delete(t.owners, s.Index)
			continue
		}
		t.owners[s.Index] = survivors[i%len(survivors)]
	}
	return moved
}

func sortShards(shards []command.Shard) {
	slices.SortFunc(shards, func(a, b command.Shard) int {
		switch {
		case a.Table < b.Table:
			return -1
		case a.Table > b.Table:
			return 1
		}
		return a.Index - b.Index
	})
}
