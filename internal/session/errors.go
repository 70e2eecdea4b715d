package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations. Use errors.Is to check.
var (
	// ErrSessionClosed is returned by every operation on a closed
	// session. Terminal: a closed session never reopens.
	ErrSessionClosed = errors.New("session is closed")

	// ErrInterrupted marks a request that was in flight when the
	// connection was lost. The request is never silently retried;
	// the caller decides whether to resubmit.
	ErrInterrupted = errors.New("request interrupted by connection loss")

	// ErrHandshakeTimeout is returned by Open when the server does
	// not acknowledge the handshake in time. Retryable.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrRequestTimeout marks a request that received no response
	// within the per-request deadline.
	ErrRequestTimeout = errors.New("no response before deadline")

	// ErrToolNotFound is the remote rejection of an unknown tool
	// name. A caller bug; never retried.
	ErrToolNotFound = errors.New("remote tool not found")

	// ErrInvalidArguments is the remote rejection of arguments that
	// failed schema validation. A caller bug; never retried.
	ErrInvalidArguments = errors.New("remote rejected arguments")
)

// ToolError is a failure from inside a remote tool handler. It is
// tool-specific and non-fatal: the dispatch loop reports it to the
// planner as a failed result rather than aborting.
type ToolError struct {
	Tool    string
	Message string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed remotely: %s", e.Tool, e.Message)
}
