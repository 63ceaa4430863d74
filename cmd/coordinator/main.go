// Package main implements the blurd coordinator: it owns the cluster
// topology, routes documents to the nodes that store them and runs
// distributed commands over a table's shards.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────┐
//	│                     Coordinator                      │
//	├──────────────────────────────────────────────────────┤
//	│  HTTP API:                                           │
//	│    /register                  - Node registration    │
//	│    /nodes                     - Registered nodes     │
//	│    /tables                    - Table definitions    │
//	│    /shards, /shards/assign    - Shard placement      │
//	│    /tables/{t}/docs/{id}      - Document routing     │
//	│    /tables/{t}/commands/{c}   - Command execution    │
//	│    /tables/{t}/rebalance      - Spread shards evenly │
//	│    /health, /metrics                                 │
//	├──────────────────────────────────────────────────────┤
//	│  Components:                                         │
//	│    coordinator.ShardRegistry  - Topology             │
//	│    coordinator.TableCache     - Table metadata       │
//	│    coordinator.HealthMonitor  - Failure detection    │
//	│    command.ClusterContext     - Dispatcher           │
//	│    cluster.RemoteExecutor     - Shard tasks to nodes │
//	└──────────────────────────────────────────────────────┘
//
// Configuration is read by internal/config; tables listed in the config file
// are defined at startup.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/blurd/internal/cluster"
	"github.com/dreamware/blurd/internal/command"
	"github.com/dreamware/blurd/internal/command/builtin"
	"github.com/dreamware/blurd/internal/config"
	"github.com/dreamware/blurd/internal/coordinator"
	"github.com/dreamware/blurd/internal/logging"
	"github.com/dreamware/blurd/internal/metrics"
)

// Command modes accepted by the command endpoint.
const (
	modeShards  = "shards"
	modeServers = "servers"
	modeIndex   = "index"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateCoordinator(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New("coordinator", logging.ParseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	srv, err := newServer(cfg, logger, reg)
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.health.Start(ctx, srv.members.All)

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Addr,
		Handler:           srv.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Coordinator.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	srv.health.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("coordinator stopped")
}

// server is the coordinator's runtime state.
//
// mu serializes compound topology changes (assign then push); the registry
// and member set are individually safe for concurrent reads.
type server struct {
	mu       sync.Mutex
	members  *cluster.Members
	registry *coordinator.ShardRegistry
	tables   *coordinator.TableCache
	health   *coordinator.HealthMonitor
	cc       *command.ClusterContext
	log      logging.Logger
}

func newServer(cfg config.Config, logger logging.Logger, reg prometheus.Registerer) (*server, error) {
	registry := coordinator.NewShardRegistry()
	for _, tc := range cfg.Tables {
		if err := registry.DefineTable(tc); err != nil {
			return nil, err
		}
	}
	tables, err := coordinator.NewTableCache(registry, cfg.Coordinator.TableCacheSize)
	if err != nil {
		return nil, err
	}
	commands, err := metrics.NewCommands(reg)
	if err != nil {
		return nil, err
	}

	members := cluster.NewMembers()
	cc, err := command.NewClusterContext(command.Options{
		Registry:       builtin.NewRegistry(),
		Tables:         tables,
		Topology:       registry,
		Executor:       cluster.NewRemoteExecutor(members, cfg.Coordinator.ShardTimeout),
		Logger:         logger,
		Middleware:     []command.Middleware{commands.Middleware()},
		PoolSize:       cfg.Coordinator.PoolSize,
		DefaultTimeout: cfg.Coordinator.DefaultTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := reg.Register(metrics.NewPoolCollector(cc.PoolStats)); err != nil {
		cc.Close()
		return nil, err
	}

	s := &server{
		members:  members,
		registry: registry,
		tables:   tables,
		cc:       cc,
		log:      logger,
		health:   coordinator.NewHealthMonitor(cfg.Coordinator.HealthInterval, cfg.Coordinator.MaxFailures, logger),
	}
	s.health.SetOnUnhealthy(s.handleNodeFailure)
	s.health.SetOnRecovered(s.handleNodeRecovered)
	return s, nil
}

// Close stops the dispatcher.
func (s *server) Close() {
	s.cc.Close()
}

func (s *server) routes(reg prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cluster.RegisterPath, s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /tables", s.handleListTables)
	mux.HandleFunc("POST /tables", s.handleDefineTable)
	mux.HandleFunc("POST /tables/{table}/rebalance", s.handleRebalance)
	mux.HandleFunc("POST /tables/{table}/commands/{command}", s.handleCommand)
	mux.HandleFunc("/tables/{table}/docs/{id...}", s.handleDocument)
	mux.HandleFunc("GET /shards", s.handleShards)
	mux.HandleFunc("POST /shards/assign", s.handleShardAssign)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// handleRegister adds or refreshes a node and replies with the shards it
// hosts. A new node receives every currently unassigned shard.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if err := command.ValidateServer(req.Node.Server()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.members.Upsert(req.Node) {
		s.log.Info("node registered", "node", req.Node.ID, "addr", req.Node.Addr)
	} else {
		s.log.Info("node re-registered", "node", req.Node.ID, "addr", req.Node.Addr)
	}
	touched := s.autoAssignShards()
	assignment := s.assignmentFor(req.Node.Server())
	s.mu.Unlock()

	others := touched[:0]
	for _, server := range touched {
		if server != req.Node.Server() {
			others = append(others, server)
		}
	}
	s.pushAssignments(r.Context(), others...)
	writeJSON(w, http.StatusOK, assignment)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes  []cluster.NodeInfo                  `json:"nodes"`
		Health map[string]*coordinator.NodeHealth `json:"health"`
	}{Nodes: s.members.All(), Health: s.health.GetAllNodeHealth()})
}

func (s *server) handleListTables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Tables []command.TableContext `json:"tables"`
	}{Tables: s.registry.Tables()})
}

// handleDefineTable creates a table and places its shards on the registered
// nodes.
func (s *server) handleDefineTable(w http.ResponseWriter, r *http.Request) {
	var tc command.TableContext
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if err := s.registry.DefineTable(tc); err != nil {
		s.mu.Unlock()
		status := http.StatusBadRequest
		if errors.Is(err, coordinator.ErrTableConflict) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.tables.Forget(tc.Name)
	touched := s.autoAssignShards()
	s.mu.Unlock()

	s.log.Info("table defined", "table", tc.Name, "shards", tc.ShardCount)
	s.pushAssignments(r.Context(), touched...)
	w.WriteHeader(http.StatusCreated)
}

// handleRebalance spreads every shard of a table round-robin over the
// healthy nodes.
func (s *server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	servers := s.usableServers("")

	s.mu.Lock()
	err := s.registry.RebalanceShards(table, servers)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	s.log.Info("table rebalanced", "table", table, "servers", len(servers))
	s.pushAssignments(r.Context(), s.members.Servers()...)
	s.handleShardsOf(w, table)
}

// handleShards returns the shard assignments of one table.
//
// Endpoint: GET /shards?table={table}
func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		http.Error(w, "table required", http.StatusBadRequest)
		return
	}
	s.handleShardsOf(w, table)
}

func (s *server) handleShardsOf(w http.ResponseWriter, table string) {
	tc, err := s.registry.TableContext(table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	assignments, err := s.registry.GetAllAssignments(table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Table     string                         `json:"table"`
		Shards    []coordinator.ShardAssignment `json:"shards"`
		NumShards int                            `json:"num_shards"`
	}{Table: table, Shards: assignments, NumShards: tc.ShardCount})
}

// handleShardAssign moves one shard to a server (admin operation).
func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	var req cluster.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if _, ok := s.members.Get(string(req.Server)); !ok {
		http.Error(w, fmt.Sprintf("node %s is not registered", req.Server), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	previous := s.registry.GetAssignment(req.Table, req.Shard)
	if err := s.registry.AssignShard(req.Table, req.Shard, req.Server); err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Unlock()

	touched := []command.Server{req.Server}
	if previous != nil && previous.Server != req.Server {
		touched = append(touched, previous.Server)
	}
	s.pushAssignments(r.Context(), touched...)
	w.WriteHeader(http.StatusNoContent)
}

// handleCommand runs a registered command against a table.
//
// Endpoint: POST /tables/{table}/commands/{command}?mode=shards|servers|index
//
// The body is a cluster.CommandRequest. mode selects the entry point:
// shards (default) returns one result per shard, servers one combined result
// per server, and index requires the request to resolve to exactly one shard.
func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	name := r.PathValue("command")

	var req cluster.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	args, err := req.Args(table)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	resp := cluster.CommandResponse{Table: table, Command: name, Results: map[string]any{}}
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", modeShards:
		resp.Operation = string(command.OpReadIndexes)
		results, err := command.ReadIndexes[any](r.Context(), s.cc, args, name)
		if err != nil {
			s.commandError(w, name, err)
			return
		}
		for sh, v := range results {
			resp.Results[sh.Name()] = v
		}
	case modeServers:
		resp.Operation = string(command.OpReadServers)
		results, err := command.ReadServers[any](r.Context(), s.cc, args, name)
		if err != nil {
			s.commandError(w, name, err)
			return
		}
		for server, v := range results {
			resp.Results[string(server)] = v
		}
	case modeIndex:
		resp.Operation = string(command.OpReadIndex)
		target, v, err := command.ReadIndexShard[any](r.Context(), s.cc, args, name)
		if err != nil {
			s.commandError(w, name, err)
			return
		}
		resp.Results[target.Name()] = v
	default:
		http.Error(w, "unknown mode "+mode, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) commandError(w http.ResponseWriter, name string, err error) {
	s.log.Debug("command failed", "command", name, "err", err)
	http.Error(w, err.Error(), statusFor(err))
}

// statusFor maps dispatcher and registry errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, command.ErrValidation),
		errors.Is(err, command.ErrAmbiguousTarget),
		errors.Is(err, command.ErrUnknownCommand),
		errors.Is(err, command.ErrCommandType):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, command.ErrNoShards),
		errors.Is(err, coordinator.ErrNoServers),
		errors.Is(err, command.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, command.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, command.ErrExecution):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleDocument routes a document read or write to the node owning its
// shard.
//
// Endpoint: GET|PUT|DELETE /tables/{table}/docs/{id}
func (s *server) handleDocument(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	table, id := r.PathValue("table"), r.PathValue("id")
	if id == "" {
		http.Error(w, "document id required", http.StatusBadRequest)
		return
	}

	target, server, err := s.registry.ServerForKey(table, id)
	if err != nil {
		status := statusFor(err)
		http.Error(w, fmt.Sprintf("no node assigned for document: %v", err), status)
		return
	}
	addr, ok := s.members.Addr(server)
	if !ok {
		http.Error(w, fmt.Sprintf("node %s not found", server), http.StatusServiceUnavailable)
		return
	}
	s.forward(w, r, cluster.BaseURL(addr)+cluster.DocPath(target, id))
}

// forward replays r against targetURL and copies the response back.
func (s *server) forward(w http.ResponseWriter, r *http.Request, targetURL string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// autoAssignShards places every unassigned shard of every table on the
// usable nodes, round-robin, and returns the servers that gained shards.
// Caller holds s.mu.
func (s *server) autoAssignShards() []command.Server {
	servers := s.usableServers("")
	if len(servers) == 0 {
		return nil
	}

	gained := map[command.Server]bool{}
	next := 0
	for _, tc := range s.registry.Tables() {
		for index := 0; index < tc.ShardCount; index++ {
			if s.registry.GetAssignment(tc.Name, index) != nil {
				continue
			}
			server := servers[next%len(servers)]
			next++
			if err := s.registry.AssignShard(tc.Name, index, server); err != nil {
				s.log.Error("auto-assign failed", "table", tc.Name, "shard", index, "err", err)
				continue
			}
			gained[server] = true
			s.log.Info("auto-assigned shard", "table", tc.Name, "shard", command.ShardName(index), "node", server.String())
		}
	}
	out := make([]command.Server, 0, len(gained))
	for server := range gained {
		out = append(out, server)
	}
	return out
}

// usableServers lists registered nodes the health monitor has not marked
// unhealthy, excluding skip.
func (s *server) usableServers(skip command.Server) []command.Server {
	var out []command.Server
	for _, server := range s.members.Servers() {
		if server != skip && s.health.Usable(string(server)) {
			out = append(out, server)
		}
	}
	return out
}

func (s *server) assignmentFor(server command.Server) cluster.Assignment {
	return cluster.Assignment{
		Tables: s.registry.Tables(),
		Shards: s.registry.GetServerShards(server),
	}
}

// pushAssignments sends each server its current shard set. Failures are
// logged; the health monitor deals with nodes that stay unreachable.
func (s *server) pushAssignments(ctx context.Context, servers ...command.Server) {
	for _, server := range servers {
		addr, ok := s.members.Addr(server)
		if !ok {
			continue
		}
		assignment := s.assignmentFor(server)
		if err := cluster.PostJSON(ctx, cluster.BaseURL(addr)+cluster.AssignmentPath, assignment, nil); err != nil {
			s.log.Warn("push assignment failed", "node", server.String(), "err", err)
		}
	}
}

// handleNodeFailure moves the shards of an unhealthy node to the remaining
// healthy nodes.
func (s *server) handleNodeFailure(nodeID string) {
	failed := command.Server(nodeID)

	s.mu.Lock()
	survivors := s.usableServers(failed)
	moved := s.registry.ReassignServer(failed, survivors)
	s.mu.Unlock()

	if len(moved) == 0 {
		return
	}
	if len(survivors) == 0 {
		s.log.Error("node failed with no healthy nodes left, shards unassigned", "node", nodeID, "shards", len(moved))
		return
	}
	s.log.Warn("node failed, shards reassigned", "node", nodeID, "shards", len(moved), "survivors", len(survivors))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.pushAssignments(ctx, survivors...)
}

// handleNodeRecovered gives a recovered node any shards left unassigned
// while it was down.
func (s *server) handleNodeRecovered(nodeID string) {
	s.mu.Lock()
	touched := s.autoAssignShards()
	s.mu.Unlock()

	s.log.Info("node recovered", "node", nodeID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.pushAssignments(ctx, append(touched, command.Server(nodeID))...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
