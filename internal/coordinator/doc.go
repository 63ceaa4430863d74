// Package coordinator holds the control plane state of a blurd cluster:
// which tables exist, which server owns each shard, and which servers are
// alive.
//
// # Overview
//
// The coordinator is the only process that decides shard placement. Nodes
// register with it, receive the list of shards they host, and answer shard
// tasks the dispatcher sends them. The types in this package are the
// authoritative sources the dispatcher (internal/command) reads through its
// Topology and TableLookup interfaces.
//
// # Architecture
//
//	┌─────────────────────────────────────────┐
//	│              COORDINATOR                │
//	├─────────────────────────────────────────┤
//	│                                         │
//	│  ┌──────────────────────────────────┐   │
//	│  │   ShardRegistry                  │   │
//	│  │   - table → TableContext         │   │
//	│  │   - (table, shard) → server      │   │
//	│  │   - key → shard routing          │   │
//	│  └──────────────────────────────────┘   │
//	│                 ▲                       │
//	│                 │ TableLookup           │
//	│  ┌──────────────┴───────────────────┐   │
//	│  │   TableCache (LRU)               │   │
//	│  └──────────────────────────────────┘   │
//	│                                         │
//	│  ┌──────────────────────────────────┐   │
//	│  │   HealthMonitor                  │   │
//	│  │   - periodic GET /health         │   │
//	│  │   - unhealthy → ReassignServer   │   │
//	│  └──────────────────────────────────┘   │
//	│                                         │
//	└─────────────────────────────────────────┘
//
// # Core Components
//
// ShardRegistry: table and shard ownership
//   - Tables are defined once with a fixed shard count
//   - Each shard has at most one owning server
//   - Layout returns a snapshot so one dispatcher call sees one topology
//   - Implements command.Topology and command.TableLookup
//
// TableCache: memoized table metadata
//   - Bounded LRU in front of any command.TableLookup
//   - Only successful lookups are cached
//
// HealthMonitor: liveness of registered nodes
//   - Polls every node on a fixed interval
//   - Marks a node unhealthy after MaxFailures consecutive failed checks
//   - Callbacks fire outside the monitor lock on status transitions
//
// # Shard Placement
//
// Documents are routed by hashing their id:
//
//	shard = xxhash64(id) % ShardCount
//
// The same function (shard.IndexForKey) is used by nodes, so the coordinator
// and nodes always agree on which shard holds a document.
//
// Shards are spread over servers round-robin:
//
//	servers: [n1, n2]     ShardCount: 5
//	shard:    0   1   2   3   4
//	owner:    n1  n2  n1  n2  n1
//
// When a server fails its shards are handed to the surviving servers in the
// same round-robin order. With no survivors they become unassigned, and
// commands that need them fail with a NoShardsError until a server
// registers again.
//
// # Concurrency
//
// Every exported type is safe for concurrent use:
//   - ShardRegistry uses a read-write lock and returns copies
//   - TableCache relies on the internally locked LRU
//   - HealthMonitor guards its node map with a mutex
//
// # Limitations
//
//   - Single coordinator, state is kept in memory
//   - No replication, one owner per shard
//   - Rebalancing moves ownership only, never data
//
// # See Also
//
//   - internal/command: the dispatcher that consumes the topology
//   - internal/cluster: node membership and the remote executor
//   - cmd/coordinator: the HTTP server wiring these pieces together
package coordinator
