// Package shard provides the shard abstraction hosted by a node: one
// partition of a table backed by its own document index.
// See doc.go for complete package documentation.
package shard

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/dreamware/blurd/internal/command"
	"github.com/dreamware/blurd/internal/storage"
)

// ErrNotActive is returned when a closed or closing shard is used.
var ErrNotActive = errors.New("shard is not active")

// State represents the lifecycle state of a hosted shard.
type State string

const (
	// StateActive means the shard serves reads and writes.
	StateActive State = "active"

	// StateClosed means the shard released its index and serves nothing.
	StateClosed State = "closed"
)

// Shard is one hosted partition of a table.
//
// Writes go straight to the index; reads made on behalf of commands go
// through OpenIndex, which hands out an immutable snapshot so that a command
// never observes a half-applied write.
//
// Thread Safety:
// All methods are safe for concurrent use. State changes take mu; the
// operation counters are atomics.
type Shard struct {
	index *storage.Index
	stats OperationStats
	ID    command.Shard
	state State
	mu    sync.RWMutex
}

// OperationStats tracks per-shard operation counts.
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	Reads   uint64 `json:"reads"` // Snapshots opened for command execution
}

// Stats combines operation counts with index statistics.
type Stats struct {
	Ops     OperationStats     `json:"operations"`
	Storage storage.IndexStats `json:"storage"`
}

// Info is the summary a node reports for each shard it hosts.
type Info struct {
	Table string `json:"table"`
	Name  string `json:"name"`
	State State  `json:"state"`
	Index int    `json:"index"`
	Docs  int    `json:"docs"`
	Bytes int    `json:"bytes"`
}

// Open opens the shard id with its index under dataDir/{table}/{shard name}.
// An empty dataDir keeps the index in memory.
func Open(id command.Shard, dataDir string) (*Shard, error) {
	dir := ""
	if dataDir != "" {
		dir = filepath.Join(dataDir, id.Table, id.Name())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create shard dir for %s", id)
		}
	}
	index, err := storage.Open(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", id)
	}
	return &Shard{ID: id, index: index, state: StateActive}, nil
}

func (s *Shard) active() error {
	if s.State() != StateActive {
		return errors.Wrapf(ErrNotActive, "%s", s.ID)
	}
	return nil
}

// Get returns one document.
func (s *Shard) Get(id string) (storage.Document, error) {
	atomic.AddUint64(&s.stats.Gets, 1)
	if err := s.active(); err != nil {
		return storage.Document{}, err
	}
	r, err := s.index.Snapshot()
	if err != nil {
		return storage.Document{}, err
	}
	defer r.Close()
	return r.Document(id)
}

// Put indexes doc, replacing an earlier version with the same id.
func (s *Shard) Put(doc storage.Document) error {
	atomic.AddUint64(&s.stats.Puts, 1)
	if err := s.active(); err != nil {
		return err
	}
	return s.index.Put(doc)
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Shard) Delete(id string) error {
	atomic.AddUint64(&s.stats.Deletes, 1)
	if err := s.active(); err != nil {
		return err
	}
	return s.index.Delete(id)
}

// OpenIndex returns a point-in-time reader for command execution. The caller
// must Close it.
func (s *Shard) OpenIndex(ctx context.Context) (*storage.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.active(); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.stats.Reads, 1)
	return s.index.Snapshot()
}

// OwnsKey reports whether key routes to this shard in a table of shardCount
// shards.
func (s *Shard) OwnsKey(key string, shardCount int) bool {
	if shardCount <= 0 {
		return false
	}
	return IndexForKey(key, shardCount) == s.ID.Index
}

// IndexForKey maps a document id to a shard index: xxhash(key) mod
// shardCount. Coordinator routing and node ownership checks both use it.
func IndexForKey(key string, shardCount int) int {
	return int(xxhash.Sum64String(key) % uint64(shardCount))
}

// GetStats returns a snapshot of the shard's statistics.
func (s *Shard) GetStats() Stats {
	return Stats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.stats.Gets),
			Puts:    atomic.LoadUint64(&s.stats.Puts),
			Deletes: atomic.LoadUint64(&s.stats.Deletes),
			Reads:   atomic.LoadUint64(&s.stats.Reads),
		},
		Storage: s.index.Stats(),
	}
}

// Info returns the shard summary.
func (s *Shard) Info() Info {
	st := s.index.Stats()
	return Info{
		Table: s.ID.Table,
		Index: s.ID.Index,
		Name:  s.ID.Name(),
		State: s.State(),
		Docs:  st.Docs,
		Bytes: st.Bytes,
	}
}

// State returns the current lifecycle state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Close stops the shard serving and releases the index once every reader
// handed out by OpenIndex is closed. Closing twice is a no-op.
func (s *Shard) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	return s.index.Close()
}
