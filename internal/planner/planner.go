// Package planner defines the planning contract for the dispatch loop:
// given a goal, the remote tool catalog, and the conversation so far,
// a Planner decides the next action. The conversation state is
// append-only; nothing in a Turn is ever rewritten.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mwynn/toolbridge/internal/wire"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a turn's conversation.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolCallRequest is one tool invocation the planner asked for. The ID
// ties the eventual result back to this request in the conversation.
type ToolCallRequest struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one ToolCallRequest. A failed call is
// still a result: the planner sees the failure message and decides what
// to do next.
type ToolResult struct {
	ID      string
	Name    string
	Payload json.RawMessage
	Failed  bool
	Message string
}

// Action is the planner's decision: either a final answer or a batch
// of tool calls to execute before planning again. Exactly one of the
// two is set.
type Action struct {
	Final string
	Calls []ToolCallRequest
}

// Planner produces the next action for a turn.
type Planner interface {
	Plan(ctx context.Context, turn *Turn) (*Action, error)
}

// Turn is the append-only state of one dispatch run: the goal, the
// catalog snapshot the run started with, and every message exchanged
// since.
type Turn struct {
	Goal  string
	Tools []wire.ToolDescriptor

	msgs []Message
}

// NewTurn starts a turn for the given goal over the given catalog.
func NewTurn(goal string, tools []wire.ToolDescriptor) *Turn {
	return &Turn{Goal: goal, Tools: tools}
}

// Messages returns a copy of the conversation so far.
func (t *Turn) Messages() []Message {
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// AddAssistant appends the planner's own output to the turn.
func (t *Turn) AddAssistant(m Message) {
	m.Role = RoleAssistant
	t.msgs = append(t.msgs, m)
}

// AddToolResult appends one tool outcome to the turn.
func (t *Turn) AddToolResult(r ToolResult) {
	content := string(r.Payload)
	if r.Failed {
		content = fmt.Sprintf("tool %s failed: %s", r.Name, r.Message)
	}
	t.msgs = append(t.msgs, Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: r.ID,
	})
}

// Len returns the number of messages in the turn.
func (t *Turn) Len() int {
	return len(t.msgs)
}
