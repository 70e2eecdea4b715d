// Package catalog implements the server-side tool registry: named
// handlers with JSON Schema argument validation. The catalog is built
// once at startup by provider modules and is read-only afterward, so
// Invoke is safe for concurrent use across sessions.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mwynn/toolbridge/internal/wire"
)

// Handler executes one tool call. The returned value is marshaled to
// JSON as the result payload. Handlers may block on I/O and must be
// independently reentrant.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered tool: a unique name, a description for the
// planner, a JSON Schema for its arguments, and the handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Catalog maps tool names to handlers and preserves registration
// order for List.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

type entry struct {
	tool   *Tool
	schema *jsonschema.Schema
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]*entry)}
}

// Register adds a tool. The tool's input schema is compiled once here;
// a schema that does not compile is a registration error, not a call
// error. Registering a name twice fails with ErrDuplicateTool.
func (c *Catalog) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: name is empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %s: handler is nil", t.Name)
	}

	schema, err := compileSchema(t.Name, t.InputSchema)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", t.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	c.tools[t.Name] = &entry{tool: t, schema: schema}
	c.order = append(c.order, t.Name)
	return nil
}

// List returns descriptors for all tools in registration order.
func (c *Catalog) List() []wire.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]wire.ToolDescriptor, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name].tool
		out = append(out, wire.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Invoke validates args against the tool's schema and runs the
// handler. Validation failures never reach the handler. Handler
// failures are wrapped in a HandlerError so callers can distinguish
// tool-specific errors from protocol errors.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.RLock()
	e, ok := c.tools[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if err := validateArgs(e.schema, args); err != nil {
		return nil, &SchemaValidationError{Tool: name, Err: err}
	}

	result, err := e.tool.Handler(ctx, args)
	if err != nil {
		return nil, &HandlerError{Tool: name, Err: err}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, &HandlerError{Tool: name, Err: fmt.Errorf("marshal result: %w", err)}
	}
	return payload, nil
}

// compileSchema builds a validator from the schema map. A nil schema
// means the tool takes no arguments; any argument map then validates.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validateArgs checks required-field presence and type conformance.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	// The validator rejects typed nils; a call with no arguments is
	// validated as an empty object.
	v := any(args)
	if args == nil {
		v = map[string]any{}
	}
	return schema.Validate(v)
}
