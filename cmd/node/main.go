// Package main implements the blurd node service, which hosts shards of
// document tables and runs the shard phase of commands on behalf of the
// coordinator.
//
// The node is a worker in the blurd cluster, responsible for:
//   - Opening the shards the coordinator assigns to it
//   - Indexing, reading and deleting documents in those shards
//   - Executing shard tasks sent by the coordinator's dispatcher
//   - Registering with the coordinator and answering health checks
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                    Node                      │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    /health            - Health check         │
//	│    /shards            - Shard assignment     │
//	│    /tables/.../docs/* - Document operations  │
//	│    /command/execute   - Shard task execution │
//	│    /info              - Node information     │
//	│    /metrics           - Prometheus metrics   │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    shard.Host         - Hosted shards        │
//	│    tables             - Known table metadata │
//	│    command.Registry   - Runnable commands    │
//	└──────────────────────────────────────────────┘
//
// Configuration (see internal/config):
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - DATA_DIR: Shard data directory (default: in memory)
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	DATA_DIR=/var/lib/blurd \
//	./node
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dreamware/blurd/internal/cluster"
	"github.com/dreamware/blurd/internal/command"
	"github.com/dreamware/blurd/internal/command/builtin"
	"github.com/dreamware/blurd/internal/config"
	"github.com/dreamware/blurd/internal/logging"
	"github.com/dreamware/blurd/internal/metrics"
	"github.com/dreamware/blurd/internal/shard"
	"github.com/dreamware/blurd/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// errUnknownTable is returned for tables the coordinator never told this
// node about.
var errUnknownTable = errors.New("unknown table")

// Node is the runtime state of one node: the shards it hosts, the metadata
// of the tables they belong to and the commands it can run.
//
// The coordinator is the source of truth for both shards and tables; the
// node only mirrors the last Assignment it received.
type Node struct {
	host     *shard.Host
	tables   *xsync.MapOf[string, command.TableContext]
	registry *command.Registry
	log      logging.Logger

	// ID is the server name the node owns shards under.
	ID string
}

// NewNode creates a node with no shards. dataDir is where shard indexes are
// kept; empty keeps them in memory.
func NewNode(id, dataDir string, log logging.Logger) *Node {
	return &Node{
		ID:       id,
		host:     shard.NewHost(dataDir),
		tables:   xsync.NewMapOf[string, command.TableContext](),
		registry: builtin.NewRegistry(),
		log:      log,
	}
}

// TableContext implements command.TableLookup over the tables of the last
// assignment.
func (n *Node) TableContext(table string) (command.TableContext, error) {
	tc, ok := n.tables.Load(table)
	if !ok {
		return command.TableContext{}, errors.Wrap(errUnknownTable, table)
	}
	return tc, nil
}

// Apply makes the node host exactly the shards of a. Shards no longer
// assigned are closed; their data stays on disk.
func (n *Node) Apply(a cluster.Assignment) error {
	for _, tc := range a.Tables {
		n.tables.Store(tc.Name, tc)
	}
	for _, s := range a.Shards {
		if _, err := n.TableContext(s.Table); err != nil {
			return errors.Wrapf(err, "assignment of %s", s)
		}
		if _, err := n.host.Ensure(s); err != nil {
			return err
		}
	}
	dropped, err := n.host.Retain(a.Shards)
	for _, s := range dropped {
		n.log.Info("shard released", "shard", s.String())
	}
	n.log.Info("assignment applied", "shards", len(a.Shards), "dropped", len(dropped))
	return err
}

// Close releases every hosted shard.
func (n *Node) Close() error {
	return n.host.Close()
}

// routes builds the node's HTTP API.
func (n *Node) routes(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST "+cluster.AssignmentPath, n.handleAssignment)
	mux.HandleFunc("GET "+cluster.AssignmentPath, n.handleListShards)
	mux.HandleFunc("POST "+cluster.ExecutePath, n.handleExecute)
	mux.HandleFunc("GET /tables/{table}/shards/{index}/docs/{id...}", n.handleGet)
	mux.HandleFunc("PUT /tables/{table}/shards/{index}/docs/{id...}", n.handlePut)
	mux.HandleFunc("DELETE /tables/{table}/shards/{index}/docs/{id...}", n.handleDelete)
	mux.HandleFunc("GET /info", n.handleNodeInfo)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// main initializes and runs the node service, registering with the
// coordinator and serving shard operations until shutdown.
//
// The main function:
//  1. Loads configuration from CONFIG_FILE and the environment
//  2. Creates the node and its HTTP endpoints
//  3. Registers with the coordinator (with retries) and applies the
//     returned assignment
//  4. Serves requests until a shutdown signal
//  5. Shuts down gracefully and closes every shard
func main() {
	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
	}
	if err := cfg.ValidateNode(); err != nil {
		logFatal("config: %v", err)
	}
	logger := logging.New("node:"+cfg.Node.ID, logging.ParseLevel(cfg.LogLevel))

	node := NewNode(cfg.Node.ID, cfg.Node.DataDir, logger)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewShardCollector(node.host.Infos))

	s := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Node.Listen, "public", cfg.Node.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	assignment := register(context.Background(), logger, cfg.Node.Coordinator, cfg.Node.ID, cfg.Node.Addr)
	if err := node.Apply(assignment); err != nil {
		logger.Error("apply initial assignment", "err", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	if err := node.Close(); err != nil {
		logger.Error("close shards", "err", err)
	}
	logger.Info("node stopped")
}

// register announces the node to the coordinator, retrying on failure to
// ride out coordinator startup. It returns the shards the coordinator
// assigned to the node.
//
// Retry strategy:
//   - 10 attempts maximum
//   - 400ms delay between attempts
//   - Fatal error if all attempts fail
func register(ctx context.Context, logger logging.Logger, coord, id, addr string) cluster.Assignment {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var lastErr error

	for i := 0; i < 10; i++ {
		var assignment cluster.Assignment
		lastErr = cluster.PostJSON(ctx, cluster.BaseURL(coord)+cluster.RegisterPath, body, &assignment)
		if lastErr == nil {
			logger.Info("registered with coordinator", "coordinator", coord, "shards", len(assignment.Shards))
			return assignment
		}
		logger.Warn("register retry", "attempt", i+1, "err", lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	// A node without a registration never receives shards.
	logFatal("failed to register with coordinator: %v", lastErr)
	return cluster.Assignment{}
}

// handleAssignment replaces the node's shard set.
//
// Endpoint: POST /shards
//
// Response:
//   - 204 No Content: Assignment applied
//   - 400 Bad Request: Malformed assignment
//   - 500 Internal Server Error: A shard could not be opened
func (n *Node) handleAssignment(w http.ResponseWriter, r *http.Request) {
	var a cluster.Assignment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := n.Apply(a); err != nil {
		if errors.Is(err, errUnknownTable) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListShards returns the summary of every hosted shard.
//
// Endpoint: GET /shards
func (n *Node) handleListShards(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Shards []shard.Info `json:"shards"`
	}{Shards: n.host.Infos()})
}

// handleExecute runs the shard phase of a command against one hosted shard.
//
// Endpoint: POST /command/execute
//
// Request body: cluster.ExecuteRequest
// Response body: cluster.ExecuteResponse
//
// Errors are reported as 500 with the error text as body; the dispatcher
// turns them into an ExecutionError for the shard.
func (n *Node) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req cluster.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Server != "" && string(req.Server) != n.ID {
		n.log.Warn("shard task addressed to another server", "server", req.Server.String(), "shard", req.Shard.String())
	}

	v, err := command.ExecuteOnIndex(r.Context(), n.registry, n, n.host, req)
	if err != nil {
		n.log.Debug("shard task failed", "command", req.Command, "shard", req.Shard.String(), "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode result: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ExecuteResponse{Result: raw})
}

// docShard resolves the table and shard of a document request. It writes
// the error response and returns nil when the shard is not usable.
func (n *Node) docShard(w http.ResponseWriter, r *http.Request) (*shard.Shard, string) {
	table := r.PathValue("table")
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "document id required", http.StatusBadRequest)
		return nil, ""
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid shard index", http.StatusBadRequest)
		return nil, ""
	}
	tc, err := n.TableContext(table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, ""
	}
	s, err := n.host.Get(command.Shard{Table: table, Index: index})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, ""
	}
	if !s.OwnsKey(id, tc.ShardCount) {
		http.Error(w, "document "+id+" does not belong to "+s.ID.String(), http.StatusConflict)
		return nil, ""
	}
	return s, id
}

// handleGet returns one document as JSON.
//
// Endpoint: GET /tables/{table}/shards/{index}/docs/{id}
//
// Response:
//   - 200 OK: The document
//   - 404 Not Found: Unknown table, shard not hosted, or no such document
//   - 409 Conflict: The id routes to a different shard
func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	s, id := n.docShard(w, r)
	if s == nil {
		return
	}
	doc, err := s.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handlePut indexes a document. The body is a JSON object of string fields.
//
// Endpoint: PUT /tables/{table}/shards/{index}/docs/{id}
//
// Request body:
//
//	{"title": "Distributed search", "body": "..."}
//
// Response:
//   - 204 No Content: Document indexed, replacing any earlier version
//   - 400 Bad Request: Body is not an object of strings
func (n *Node) handlePut(w http.ResponseWriter, r *http.Request) {
	s, id := n.docShard(w, r)
	if s == nil {
		return
	}
	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "body must be a JSON object of string fields", http.StatusBadRequest)
		return
	}
	if err := s.Put(storage.Document{ID: id, Fields: fields}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDelete removes a document. Deleting a missing document succeeds.
//
// Endpoint: DELETE /tables/{table}/shards/{index}/docs/{id}
func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	s, id := n.docShard(w, r)
	if s == nil {
		return
	}
	if err := s.Delete(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNodeInfo returns the node identity and per-shard statistics.
//
// Endpoint: GET /info
//
// Response body:
//
//	{
//	  "node_id": "node-1",
//	  "shard_count": 1,
//	  "shards": [
//	    {"table": "docs", "name": "shard-00000000", "index": 0,
//	     "state": "active", "docs": 150, "bytes": 15360}
//	  ]
//	}
func (n *Node) handleNodeInfo(w http.ResponseWriter, _ *http.Request) {
	infos := n.host.Infos()
	writeJSON(w, http.StatusOK, struct {
		NodeID string       `json:"node_id"`
		Shards []shard.Info `json:"shards"`
		Count  int          `json:"shard_count"`
	}{
		NodeID: n.ID,
		Shards: infos,
		Count:  len(infos),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
