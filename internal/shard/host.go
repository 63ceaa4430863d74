package shard

import (
	"context"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"

	"github.com/dreamware/blurd/internal/command"
)

// ErrNotHosted is returned when a shard is not open on this host.
var ErrNotHosted = errors.New("shard not hosted")

// Host is the set of shards a node serves. It implements
// command.IndexProvider so the node can run shard tasks against its shards.
type Host struct {
	shards  *xsync.MapOf[command.Shard, *Shard]
	dataDir string
}

// NewHost creates an empty host keeping shard data under dataDir. An empty
// dataDir keeps every shard in memory.
func NewHost(dataDir string) *Host {
	return &Host{
		shards:  xsync.NewMapOf[command.Shard, *Shard](),
		dataDir: dataDir,
	}
}

// Ensure opens id unless it is already hosted and returns it.
func (h *Host) Ensure(id command.Shard) (*Shard, error) {
	var openErr error
	s, _ := h.shards.Compute(id, func(old *Shard, loaded bool) (*Shard, bool) {
		if loaded {
			return old, false
		}
		opened, err := Open(id, h.dataDir)
		if err != nil {
			openErr = err
			return nil, true
		}
		return opened, false
	})
	if openErr != nil {
		return nil, openErr
	}
	return s, nil
}

// Get returns a hosted shard.
func (h *Host) Get(id command.Shard) (*Shard, error) {
	s, ok := h.shards.Load(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotHosted, "%s", id)
	}
	return s, nil
}

// Drop stops hosting id and closes it. Data on disk is kept.
func (h *Host) Drop(id command.Shard) error {
	s, ok := h.shards.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return s.Close()
}

// Retain drops every hosted shard not in keep and reports the dropped ones.
func (h *Host) Retain(keep []command.Shard) ([]command.Shard, error) {
	var dropped []command.Shard
	var firstErr error
	for _, id := range h.Shards() {
		if slices.Contains(keep, id) {
			continue
		}
		if err := h.Drop(id); err != nil && firstErr == nil {
			firstErr = err
		}
		dropped = append(dropped, id)
	}
	return dropped, firstErr
}

// Shards lists hosted shards ordered by table then index.
func (h *Host) Shards() []command.Shard {
	out := make([]command.Shard, 0, h.shards.Size())
	h.shards.Range(func(id command.Shard, _ *Shard) bool {
		out = append(out, id)
		return true
	})
	slices.SortFunc(out, func(a, b command.Shard) int {
		switch {
		case a.Table < b.Table:
			return -1
		case a.Table > b.Table:
			return 1
		}
		return a.Index - b.Index
	})
	return out
}

// Infos returns the summary of every hosted shard.
func (h *Host) Infos() []Info {
	ids := h.Shards()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.shards.Load(id); ok {
			out = append(out, s.Info())
		}
	}
	return out
}

// OpenIndex implements command.IndexProvider.
func (h *Host) OpenIndex(ctx context.Context, id command.Shard) (command.IndexHandle, error) {
	s, err := h.Get(id)
	if err != nil {
		return nil, err
	}
	r, err := s.OpenIndex(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes every hosted shard.
func (h *Host) Close() error {
	var firstErr error
	for _, id := range h.Shards() {
		if err := h.Drop(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
