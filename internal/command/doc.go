// Package command is the distributed command execution engine: it runs
// read-only units of work against some or all shards of a table and, for
// combining commands, reduces the per-shard results of each server into one
// per-server value.
//
// # Model
//
//	caller ──▶ ClusterContext.resolve(Args) ──▶ shards grouped by server
//	                                              │
//	                          one task per shard  ▼
//	                 ┌──────────── shared worker Pool ────────────┐
//	                 │  shard  shard  shard  ...  combine(server) │
//	                 └────────────────────────────────────────────┘
//	                                              │
//	                 map[Shard]T / map[Server]T or futures ◀──────┘
//
// Commands are registered by name in a Registry and instantiated once per
// shard per call from the call's Args, so a shard execution can be shipped
// to the node owning the shard and rebuilt there from name and Args alone.
//
// # Entry Points
//
//	ReadIndexes      every resolved shard   sync   map[Shard]T
//	ReadIndexesAsync every resolved shard   async  map[Shard]*Future[T]
//	ReadIndex        exactly one shard      sync   T
//	ReadIndexAsync   exactly one shard      async  *Future[T]
//	ReadServers      every resolved server  sync   map[Server]T
//	ReadServersAsync every resolved server  async  map[Server]*Future[T]
//
// # Failure Policy
//
// Calls are fail-fast. The first failing shard or combine task aborts the
// call: queued tasks are cancelled and never run, running tasks see their
// context cancelled and their results are discarded, and a synchronous caller
// receives a single *ExecutionError naming the failing shard or server. No
// partial result map is ever returned. Futures that resolved before the abort
// keep their value; the others resolve with a *CancellationError whose cause
// is the failure.
//
// A deadline on Args (or the context's default timeout) aborts the call the
// same way with a *TimeoutError.
//
// # Combine Contract
//
// A server's combine task starts only after all of that server's shard tasks
// completed, receives exactly those shards' results and runs once per server
// per call. Combine implementations must be associative and commutative over
// their inputs and must not depend on map iteration order.
package command
