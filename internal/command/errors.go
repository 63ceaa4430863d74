package command

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is.
var (
	ErrValidation      = errors.New("invalid args")
	ErrNoShards        = errors.New("no shards resolved")
	ErrAmbiguousTarget = errors.New("ambiguous target")
	ErrExecution       = errors.New("command execution failed")
	ErrTimeout         = errors.New("call deadline exceeded")
	ErrCanceled        = errors.New("task canceled")

	ErrUnknownCommand = errors.New("unknown command")
	ErrCommandType    = errors.New("command result type mismatch")
	ErrPoolClosed     = errors.New("worker pool is closed")
)

// ValidationError reports malformed Args. It is raised before any dispatch.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s [%s]: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NoShardsError reports that target resolution produced no usable shard set.
// Unassigned lists targeted shards that currently have no owning server.
type NoShardsError struct {
	Table      string
	Unassigned []int
}

func (e *NoShardsError) Error() string {
	if len(e.Unassigned) > 0 {
		return fmt.Sprintf("table %s: shards %v have no owning server", e.Table, e.Unassigned)
	}
	return fmt.Sprintf("table %s: no shards matched the request", e.Table)
}

func (e *NoShardsError) Is(target error) bool { return target == ErrNoShards }

// AmbiguousTargetError is returned by the single-shard entry points when the
// resolved shard set does not contain exactly one shard.
type AmbiguousTargetError struct {
	Table string
	Count int
}

func (e *AmbiguousTargetError) Error() string {
	return fmt.Sprintf("table %s: expected exactly one shard, resolved %d", e.Table, e.Count)
}

func (e *AmbiguousTargetError) Is(target error) bool { return target == ErrAmbiguousTarget }

// ExecutionError wraps a failure raised by command logic. Shard is nil when
// the failure came from a server's combine phase.
type ExecutionError struct {
	Cause   error
	Shard   *Shard
	Server  Server
	Command string
}

func (e *ExecutionError) Error() string {
	if e.Shard != nil {
		return fmt.Sprintf("command %s failed on %s (server %s): %v", e.Command, e.Shard, e.Server, e.Cause)
	}
	return fmt.Sprintf("command %s combine failed on server %s: %v", e.Command, e.Server, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// TimeoutError is returned when the Args deadline elapsed before every
// required task completed.
type TimeoutError struct {
	Deadline time.Time
	Command  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s: deadline %s exceeded", e.Command, e.Deadline.Format(time.RFC3339Nano))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CancellationError is surfaced from a Future whose task was cancelled before
// completing. Cause is the call abort that triggered it, if any.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause != nil {
		return "task canceled: " + e.Cause.Error()
	}
	return "task canceled"
}

func (e *CancellationError) Unwrap() error { return e.Cause }

func (e *CancellationError) Is(target error) bool { return target == ErrCanceled }
