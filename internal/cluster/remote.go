package cluster

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/blurd/internal/command"
)

// ExecutePath is the node endpoint that runs one shard task.
const ExecutePath = "/command/execute"

// ErrUnknownServer is returned when a shard task targets a server that has
// no known address.
var ErrUnknownServer = errors.New("server has no known address")

// AddrResolver maps a server to the address it is reachable at.
type AddrResolver interface {
	Addr(server command.Server) (string, bool)
}

// RemoteExecutor is a command.Executor that ships each shard task to the
// owning node by command name and Args. Results come back as raw JSON and are
// decoded by the dispatcher into the command's result type.
type RemoteExecutor struct {
	nodes  AddrResolver
	client *http.Client
}

// NewRemoteExecutor creates an executor resolving node addresses through
// nodes. timeout bounds a single shard request; zero means no bound beyond
// the call's own deadline.
func NewRemoteExecutor(nodes AddrResolver, timeout time.Duration) *RemoteExecutor {
	return &RemoteExecutor{nodes: nodes, client: &http.Client{Timeout: timeout}}
}

// ExecuteShard implements command.Executor.
func (e *RemoteExecutor) ExecuteShard(ctx context.Context, req command.ShardRequest) (any, error) {
	addr, ok := e.nodes.Addr(req.Server)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownServer, "server %s", req.Server)
	}
	var resp ExecuteResponse
	if err := postJSON(ctx, e.client, BaseURL(addr)+ExecutePath, req, &resp); err != nil {
		return nil, errors.Wrapf(err, "execute %s on %s", req.Command, req.Shard)
	}
	return resp.Result, nil
}
