// Package wire defines the framed messages exchanged between a
// toolbridge client and server. Every message is a Frame: a kind tag,
// a correlation id, and a kind-specific JSON payload. The handshake
// pair is the only exchange without a correlation id, since there is
// exactly one handshake per connection.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the payload type carried by a Frame.
type Kind string

const (
	KindHandshake       Kind = "handshake"
	KindHandshakeAck    Kind = "handshake_ack"
	KindListTools       Kind = "list_tools"
	KindListToolsResult Kind = "list_tools_result"
	KindCallTool        Kind = "call_tool"
	KindCallToolResult  Kind = "call_tool_result"
)

// Frame is the envelope for all protocol messages. ID is the
// correlation id echoed unchanged in the matching response; it is zero
// only on handshake frames.
type Frame struct {
	Kind    Kind            `json:"kind"`
	ID      int64           `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a Frame with the payload marshaled to JSON.
func NewFrame(kind Kind, id int64, payload any) (*Frame, error) {
	f := &Frame{Kind: kind, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		f.Payload = data
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Kind)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", f.Kind, err)
	}
	return nil
}

// Handshake is sent by the client as the first frame on every
// connection, identifying itself to the server.
type Handshake struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
}

// HandshakeAck is the server's reply to a Handshake.
type HandshakeAck struct {
	ServerName    string   `json:"serverName"`
	ServerVersion string   `json:"serverVersion"`
	Capabilities  []string `json:"capabilities"`
}

// CapabilityTools is advertised by servers that expose a tool catalog.
const CapabilityTools = "tools"

// ToolDescriptor describes one callable tool: its name, a
// human-readable description for the planner, and a JSON Schema for
// its arguments. Immutable once published.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsResult is the payload of a list_tools_result frame. The
// descriptor order is the server's registration order.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallTool is the payload of a call_tool frame.
type CallTool struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// CallToolResult is the payload of a call_tool_result frame. Exactly
// one of Payload or Error is set, per Success.
type CallToolResult struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *CallError      `json:"error,omitempty"`
}

// Error codes carried in CallError. The client maps these back to
// typed errors; anything unrecognized is treated as a handler failure.
const (
	CodeToolNotFound     = "tool_not_found"
	CodeInvalidArguments = "invalid_arguments"
	CodeHandlerError     = "handler_error"
)

// CallError describes a failed tool call.
type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface for CallError.
func (e *CallError) Error() string {
	return fmt.Sprintf("tool call failed (%s): %s", e.Code, e.Message)
}
