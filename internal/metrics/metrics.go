// Package metrics exposes prometheus instrumentation for the command engine
// and the shards a node hosts.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/blurd/internal/command"
)

const namespace = "blurd"

// Result labels.
const (
	ResultOK             = "ok"
	ResultValidation     = "validation"
	ResultNoShards       = "no_shards"
	ResultAmbiguous      = "ambiguous"
	ResultUnknownCommand = "unknown_command"
	ResultTypeMismatch   = "type_mismatch"
	ResultTimeout        = "timeout"
	ResultCanceled       = "canceled"
	ResultExecution      = "execution"
	ResultError          = "error"
)

// Commands records per-command call counts and latency.
type Commands struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCommands creates the command metrics and registers them with reg.
func NewCommands(reg prometheus.Registerer) (*Commands, error) {
	m := &Commands{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "calls_total",
			Help:      "Command calls by command, entry point and result.",
		}, []string{"command", "operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "call_duration_seconds",
			Help:      "Latency of command calls. Async entry points measure submission only.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"command", "operation"}),
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware returns a command.Middleware recording every call.
func (m *Commands) Middleware() command.Middleware {
	return func(next command.Handler) command.Handler {
		return func(ctx context.Context, inv command.Invocation) (any, error) {
			start := time.Now()
			v, err := next(ctx, inv)
			op := string(inv.Operation)
			m.duration.WithLabelValues(inv.Command, op).Observe(time.Since(start).Seconds())
			m.calls.WithLabelValues(inv.Command, op, Result(err)).Inc()
			return v, err
		}
	}
}

// Result maps a call error to its result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, command.ErrValidation):
		return ResultValidation
	case errors.Is(err, command.ErrNoShards):
		return ResultNoShards
	case errors.Is(err, command.ErrAmbiguousTarget):
		return ResultAmbiguous
	case errors.Is(err, command.ErrUnknownCommand):
		return ResultUnknownCommand
	case errors.Is(err, command.ErrCommandType):
		return ResultTypeMismatch
	case errors.Is(err, command.ErrTimeout):
		return ResultTimeout
	case errors.Is(err, command.ErrCanceled):
		return ResultCanceled
	case errors.Is(err, command.ErrExecution):
		return ResultExecution
	}
	return ResultError
}
