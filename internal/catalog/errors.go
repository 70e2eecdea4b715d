package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors for registration and lookup. Use errors.Is to check.
var (
	ErrDuplicateTool = errors.New("tool name already registered")
	ErrToolNotFound  = errors.New("tool not found")
)

// SchemaValidationError reports arguments that failed schema
// validation. The handler was never invoked.
type SchemaValidationError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
}

// Unwrap supports errors.Is/errors.As on the underlying cause.
func (e *SchemaValidationError) Unwrap() error { return e.Err }

// HandlerError wraps a failure from inside a tool handler. These are
// tool-specific and non-fatal to the dispatch loop: the planner sees
// them as failed results and may adapt.
type HandlerError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

// Unwrap supports errors.Is/errors.As on the underlying cause.
func (e *HandlerError) Unwrap() error { return e.Err }
