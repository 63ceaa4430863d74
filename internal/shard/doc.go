// Package shard implements the unit of data a blurd node hosts: one
// partition of a table, backed by its own document index.
//
// # Overview
//
// A table is split into a fixed number of shards. Every document belongs to
// exactly one of them, chosen by hashing its id. A node hosts any number of
// shards, possibly from several tables, and the coordinator decides which.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│               HOST                  │
//	│   (command.IndexProvider)           │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   Shard docs/shard-00000000  │   │
//	│  │   - storage.Index (pebble)   │   │
//	│  │   - operation counters       │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   Shard docs/shard-00000002  │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	└─────────────────────────────────────┘
//
// # Core Components
//
// Shard: one hosted partition
//   - Put, Get and Delete documents
//   - OpenIndex hands out a point-in-time reader for command execution
//   - Counts operations for the node's /info endpoint
//
// Host: the shards of one node
//   - Ensure opens a shard exactly once, even under concurrent callers
//   - Retain drops every shard the coordinator no longer assigns
//   - OpenIndex resolves a command.Shard to a reader
//
// # Key Space Partitioning
//
//	shard = xxhash64(id) % shardCount
//
// IndexForKey is shared with the coordinator so both sides agree on
// placement. The hash spreads ids evenly; a table of n shards receives about
// 1/n of the documents per shard.
//
// # Storage Layout
//
//	{dataDir}/{table}/shard-00000000/   pebble files
//	{dataDir}/{table}/shard-00000001/
//
// An empty data directory keeps every shard in memory, which is what tests
// and throwaway clusters use.
//
// # Concurrency Model
//
//   - Writes are serialized per index
//   - Readers are pebble snapshots; any number may be open at once and none
//     of them observes writes made after it was opened
//   - Lifecycle changes take the shard lock; counters are atomics
//   - Close (and Host.Drop/Retain) waits for readers opened before it, so a
//     command running on a shard that is being reassigned finishes normally
//
// # Usage Example
//
//	host := shard.NewHost("/var/lib/blurd")
//	s, err := host.Ensure(command.Shard{Table: "docs", Index: 0})
//	if err != nil {
//	    return err
//	}
//	err = s.Put(storage.Document{ID: "doc-1", Fields: map[string]string{"body": "hello"}})
//
//	// later, on behalf of a command
//	r, err := host.OpenIndex(ctx, command.Shard{Table: "docs", Index: 0})
//	defer r.Close()
//	n, err := r.NumDocs()
//
// # Limitations
//
//   - No replication; a shard lives on one node
//   - Dropping a shard keeps its files; moving data is left to the operator
package shard
