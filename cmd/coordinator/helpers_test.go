package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/blurd/internal/cluster"
	"github.com/dreamware/blurd/internal/command"
	"github.com/dreamware/blurd/internal/command/builtin"
	"github.com/dreamware/blurd/internal/config"
	"github.com/dreamware/blurd/internal/logging"
	"github.com/dreamware/blurd/internal/shard"
	"github.com/dreamware/blurd/internal/storage"
)

// fakeNode is an in-process node speaking the node side of the protocol.
type fakeNode struct {
	id   string
	host *shard.Host
	srv  *httptest.Server

	mu          sync.Mutex
	tables      map[string]command.TableContext
	assignments []cluster.Assignment
}

func newFakeNode(t *testing.T, id string) *fakeNode {
	t.Helper()
	n := &fakeNode{id: id, host: shard.NewHost(""), tables: map[string]command.TableContext{}}
	registry := builtin.NewRegistry()

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cluster.AssignmentPath, func(w http.ResponseWriter, r *http.Request) {
		var a cluster.Assignment
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := n.apply(a); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+cluster.ExecutePath, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := command.ExecuteOnIndex(r.Context(), registry, n, n.host, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		raw, _ := json.Marshal(v)
		_ = json.NewEncoder(w).Encode(cluster.ExecuteResponse{Result: raw})
	})
	mux.HandleFunc("/tables/{table}/shards/{index}/docs/{id...}", func(w http.ResponseWriter, r *http.Request) {
		index, _ := strconv.Atoi(r.PathValue("index"))
		s, err := n.host.Get(command.Shard{Table: r.PathValue("table"), Index: index})
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodPut:
			var fields map[string]string
			if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := s.Put(storage.Document{ID: id, Fields: fields}); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			doc, err := s.Get(id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(doc)
		case http.MethodDelete:
			_ = s.Delete(id)
			w.WriteHeader(http.StatusNoContent)
		}
	})

	n.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		n.srv.Close()
		_ = n.host.Close()
	})
	return n
}

func (n *fakeNode) info() cluster.NodeInfo {
	return cluster.NodeInfo{ID: n.id, Addr: n.srv.URL}
}

func (n *fakeNode) TableContext(table string) (command.TableContext, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tc, ok := n.tables[table]
	if !ok {
		return command.TableContext{}, &command.ValidationError{Field: "table", Value: table, Reason: "unknown"}
	}
	return tc, nil
}

func (n *fakeNode) apply(a cluster.Assignment) error {
	n.mu.Lock()
	for _, tc := range a.Tables {
		n.tables[tc.Name] = tc
	}
	n.assignments = append(n.assignments, a)
	n.mu.Unlock()

	for _, s := range a.Shards {
		if _, err := n.host.Ensure(s); err != nil {
			return err
		}
	}
	_, err := n.host.Retain(a.Shards)
	return err
}

func (n *fakeNode) lastAssignment() (cluster.Assignment, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.assignments) == 0 {
		return cluster.Assignment{}, 0
	}
	return n.assignments[len(n.assignments)-1], len(n.assignments)
}

type testCoordinator struct {
	*server
	url string
	reg *prometheus.Registry
}

func newTestCoordinator(t *testing.T, tables ...command.TableContext) *testCoordinator {
	t.Helper()
	cfg := config.Default()
	cfg.Tables = tables
	reg := prometheus.NewRegistry()
	s, err := newServer(cfg, logging.Discard(), reg)
	if err != nil {
		t.Fatalf("newServer failed: %v", err)
	}
	srv := httptest.NewServer(s.routes(reg))
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return &testCoordinator{server: s, url: srv.URL, reg: reg}
}

// register registers n through the HTTP API and applies the returned
// assignment the way a node does.
func (c *testCoordinator) register(t *testing.T, n *fakeNode) cluster.Assignment {
	t.Helper()
	var a cluster.Assignment
	resp := c.do(t, http.MethodPost, cluster.RegisterPath, cluster.RegisterRequest{Node: n.info()})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: status %d", n.id, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatalf("decode assignment: %v", err)
	}
	if err := n.apply(a); err != nil {
		t.Fatalf("apply assignment: %v", err)
	}
	return a
}

func (c *testCoordinator) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.url+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *testCoordinator) status(t *testing.T, method, path string, body any) int {
	t.Helper()
	resp := c.do(t, method, path, body)
	resp.Body.Close()
	return resp.StatusCode
}
