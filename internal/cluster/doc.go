// Package cluster provides what coordinator and nodes need to talk to each
// other: the wire types, the JSON-over-HTTP helpers, node membership and the
// RemoteExecutor that ships shard tasks to the node owning the shard.
//
// # Overview
//
// A blurd cluster is one coordinator and any number of nodes. The coordinator
// owns the topology and runs the dispatcher; nodes own shard data and run
// the shard phase of commands on request.
//
// # Architecture
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Registry   │
//	              │ - Dispatcher │
//	              │ - Health Mon │
//	              └──────┬───────┘
//	                     │ POST /command/execute
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│           │ │           │ │           │
//	│ docs/0,3  │ │ docs/1,4  │ │ docs/2    │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Core Components
//
// NodeInfo: a node's identity and address
//   - The ID doubles as the command.Server the node owns shards under
//
// Members: the set of registered nodes
//   - Lock-free reads, safe for concurrent use
//   - Resolves a command.Server to its address
//
// RemoteExecutor: a command.Executor over HTTP
//   - Sends the command name, Args and target shard to the owning node
//   - Returns the node's answer as json.RawMessage; the command registry
//     decodes it into the command's result type
//
// # Communication Protocol
//
// All traffic is JSON over HTTP:
//
// Node Registration (POST /register):
//   - Nodes announce their ID and address
//   - The reply is an Assignment: the tables and shards the node hosts
//
// Shard Assignment (POST /shards on a node):
//   - The coordinator pushes a new Assignment after topology changes
//
// Shard Execution (POST /command/execute on a node):
//   - Body is an ExecuteRequest, reply an ExecuteResponse
//   - Non-2xx replies become a StatusError carrying the node's message
//
// Health Checking (GET /health):
//   - Periodic liveness probes from the coordinator
//
// # Failure Handling
//
//   - Every request carries the caller's context, so dispatcher deadlines
//     and cancellation reach the wire
//   - The default client additionally times out after 5s
//   - A failed shard request fails the whole command call
//
// # Usage Example
//
//	members := cluster.NewMembers()
//	members.Upsert(cluster.NodeInfo{ID: "node-1", Addr: "http://127.0.0.1:8081"})
//
//	exec := cluster.NewRemoteExecutor(members, 10*time.Second)
//	cc, err := command.NewClusterContext(command.Options{
//	    Registry: builtin.NewRegistry(),
//	    Tables:   registry,
//	    Topology: registry,
//	    Executor: exec,
//	})
//
// # See Also
//
//   - internal/command: the dispatcher and the Executor interface
//   - internal/coordinator: topology and health monitoring
//   - cmd/node: the node side of the protocol
package cluster
