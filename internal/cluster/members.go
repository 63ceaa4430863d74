package cluster

import (
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"

	"github.com/dreamware/blurd/internal/command"
)

// Members is the coordinator's set of registered nodes.
type Members struct {
	nodes *xsync.MapOf[string, NodeInfo]
}

func NewMembers() *Members {
	return &Members{nodes: xsync.NewMapOf[string, NodeInfo]()}
}

// Upsert adds or updates a node and reports whether it was new.
func (m *Members) Upsert(n NodeInfo) bool {
	_, loaded := m.nodes.LoadAndStore(n.ID, n)
	return !loaded
}

// Remove forgets a node.
func (m *Members) Remove(id string) {
	m.nodes.Delete(id)
}

// Get returns the node with the given ID.
func (m *Members) Get(id string) (NodeInfo, bool) {
	return m.nodes.Load(id)
}

// All returns every node ordered by ID.
func (m *Members) All() []NodeInfo {
	out := make([]NodeInfo, 0, m.nodes.Size())
	m.nodes.Range(func(_ string, n NodeInfo) bool {
		out = append(out, n)
		return true
	})
	slices.SortFunc(out, func(a, b NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Servers returns the IDs of every node as servers, ordered.
func (m *Members) Servers() []command.Server {
	nodes := m.All()
	out := make([]command.Server, len(nodes))
	for i, n := range nodes {
		out[i] = n.Server()
	}
	return out
}

// Addr implements AddrResolver.
func (m *Members) Addr(server command.Server) (string, bool) {
	n, ok := m.nodes.Load(string(server))
	if !ok {
		return "", false
	}
	return n.Addr, true
}
