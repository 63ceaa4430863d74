package command

import "context"

// Operation names one of the dispatcher entry points.
type Operation string

const (
	OpReadIndexes      Operation = "readIndexes"
	OpReadIndexesAsync Operation = "readIndexesAsync"
	OpReadIndex        Operation = "readIndex"
	OpReadIndexAsync   Operation = "readIndexAsync"
	OpReadServers      Operation = "readServers"
	OpReadServersAsync Operation = "readServersAsync"
)

// Async reports whether the operation returns futures.
func (op Operation) Async() bool {
	switch op {
	case OpReadIndexesAsync, OpReadIndexAsync, OpReadServersAsync:
		return true
	}
	return false
}

// Invocation is one call into the dispatcher.
type Invocation struct {
	Args      *Args
	Command   string
	Operation Operation

	// check validates the caller's result type against the registered
	// command; it runs inside the chain so middleware observes rejections.
	check func(r *Registry, command string) error
}

// Handler executes an invocation and returns its untyped result.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Middleware wraps every dispatcher entry point, e.g. for instrumentation.
type Middleware func(next Handler) Handler

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
