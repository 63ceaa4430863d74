package cluster

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/dreamware/blurd/internal/command"
)

// Paths shared by coordinator and nodes.
const (
	RegisterPath   = "/register"
	AssignmentPath = "/shards"
)

// NodeInfo identifies a node: its ID doubles as the command.Server name
// under which the node owns shards.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Server returns the node's identity as a command.Server.
func (n NodeInfo) Server() command.Server {
	return command.Server(n.ID)
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// Assignment tells a node which shards it owns and the tables they belong to.
type Assignment struct {
	Tables []command.TableContext `json:"tables"`
	Shards []command.Shard        `json:"shards"`
}

type AssignRequest struct {
	Table  string         `json:"table"`
	Server command.Server `json:"server"`
	Shard  int            `json:"shard"`
}

type ExecuteRequest = command.ShardRequest

type ExecuteResponse struct {
	Result json.RawMessage `json:"result"`
}

// CommandRequest is the body of a command invocation on the coordinator.
// A nil Shards targets every shard; an empty one targets none.
type CommandRequest struct {
	Params  map[string]string `json:"params,omitempty"`
	Shards  []int             `json:"shards"`
	Servers []command.Server  `json:"servers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// Args builds the command Args for table.
func (r CommandRequest) Args(table string) (*command.Args, error) {
	b := command.NewArgs(table)
	if r.Shards != nil {
		b.WithShards(r.Shards...)
	}
	if len(r.Servers) > 0 {
		b.WithServers(r.Servers...)
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return nil, &command.ValidationError{Field: "timeout", Value: r.Timeout, Reason: err.Error()}
		}
		b.WithTimeout(d)
	}
	for name, value := range r.Params {
		b.SetString(name, value)
	}
	return b.Build()
}

// CommandResponse is the coordinator's reply to a command invocation. Results
// is keyed by shard name for shard operations and by server for readServers.
type CommandResponse struct {
	Results   map[string]any `json:"results"`
	Command   string         `json:"command"`
	Operation string         `json:"operation"`
	Table     string         `json:"table"`
}

// DocPath is the node path of one document.
func DocPath(s command.Shard, id string) string {
	return fmt.Sprintf("/tables/%s/shards/%d/docs/%s", s.Table, s.Index, url.PathEscape(id))
}
