package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwynn/toolbridge/internal/wire"
)

const systemPrompt = `You are a task execution assistant with access to remote tools.
Use the provided tools to accomplish the user's goal. Call tools when you
need information or side effects; when the goal is accomplished, reply
with a plain-text final answer and no tool calls.`

// Ollama plans via a local Ollama chat model with native tool support.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates an Ollama-backed planner.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // large models with tools need time
		},
	}
}

// chatMessage is the Ollama chat API message shape.
type chatMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []ollamaCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

// ollamaCall is a native tool call from the model. Ollama returns the
// arguments as an object, not a string.
type ollamaCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []chatMessage    `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// Plan sends the turn to the model and interprets its reply: tool
// calls become an Action with Calls, anything else is the final
// answer. The assistant message is appended to the turn either way.
func (o *Ollama) Plan(ctx context.Context, turn *Turn) (*Action, error) {
	messages := []chatMessage{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: turn.Goal},
	}
	for _, m := range turn.Messages() {
		messages = append(messages, toChatMessage(m))
	}

	resp, err := o.chat(ctx, messages, toToolSpecs(turn.Tools))
	if err != nil {
		return nil, err
	}

	msg := resp.Message

	// Some models emit tool calls as JSON in the content instead of
	// the native tool_calls field.
	if len(msg.ToolCalls) == 0 && msg.Content != "" {
		if parsed := parseTextToolCalls(msg.Content); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}

	if len(msg.ToolCalls) == 0 {
		turn.AddAssistant(Message{Content: msg.Content})
		return &Action{Final: msg.Content}, nil
	}

	calls := make([]ToolCallRequest, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		calls[i] = ToolCallRequest{
			ID:   uuid.NewString(),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		}
	}
	turn.AddAssistant(Message{Content: msg.Content, ToolCalls: calls})
	return &Action{Calls: calls}, nil
}

// Ping checks whether the Ollama server is reachable.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

func (o *Ollama) chat(ctx context.Context, messages []chatMessage, tools []map[string]any) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:    o.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(b))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &chatResp, nil
}

// toChatMessage converts a turn message to the Ollama wire shape.
func toChatMessage(m Message) chatMessage {
	out := chatMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, c := range m.ToolCalls {
		var oc ollamaCall
		oc.Function.Name = c.Name
		oc.Function.Arguments = c.Args
		out.ToolCalls = append(out.ToolCalls, oc)
	}
	return out
}

// toToolSpecs converts catalog descriptors to the function-calling
// format the chat API expects.
func toToolSpecs(tools []wire.ToolDescriptor) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]map[string]any, len(tools))
	for i, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		specs[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema,
			},
		}
	}
	return specs
}

// parseTextToolCalls extracts tool calls a model emitted as text.
// Handles a raw JSON object, a JSON array, and <tool_call> tags.
func parseTextToolCalls(content string) []ollamaCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var many []textCall
	if err := json.Unmarshal([]byte(content), &many); err == nil && len(many) > 0 {
		out := make([]ollamaCall, len(many))
		for i, c := range many {
			out[i].Function.Name = c.Name
			out[i].Function.Arguments = c.Arguments
		}
		return out
	}

	var one textCall
	if err := json.Unmarshal([]byte(content), &one); err == nil && one.Name != "" {
		var oc ollamaCall
		oc.Function.Name = one.Name
		oc.Function.Arguments = one.Arguments
		return []ollamaCall{oc}
	}

	return nil
}
