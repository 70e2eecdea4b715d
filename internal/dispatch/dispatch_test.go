package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mwynn/toolbridge/internal/planner"
	"github.com/mwynn/toolbridge/internal/session"
	"github.com/mwynn/toolbridge/internal/wire"
)

// scriptedPlanner replays a fixed sequence of actions and records the
// turn state it was shown at each step.
type scriptedPlanner struct {
	actions []*planner.Action
	step    int
	seen    [][]planner.Message
}

func (p *scriptedPlanner) Plan(ctx context.Context, turn *planner.Turn) (*planner.Action, error) {
	p.seen = append(p.seen, turn.Messages())
	if p.step >= len(p.actions) {
		return nil, fmt.Errorf("script exhausted at step %d", p.step)
	}
	a := p.actions[p.step]
	p.step++
	return a, nil
}

// mockCaller serves a fixed catalog and delegates CallTool to a func.
type mockCaller struct {
	tools  []wire.ToolDescriptor
	callFn func(name string, args map[string]any) (json.RawMessage, error)

	mu    sync.Mutex
	calls []string
}

func (c *mockCaller) ListTools(ctx context.Context) ([]wire.ToolDescriptor, error) {
	return c.tools, nil
}

func (c *mockCaller) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	return c.callFn(name, args)
}

func weatherCatalog() []wire.ToolDescriptor {
	return []wire.ToolDescriptor{
		{Name: "get_weather", Description: "Get weather for a city."},
	}
}

func TestRunImmediateAnswer(t *testing.T) {
	p := &scriptedPlanner{actions: []*planner.Action{
		{Final: "nothing to do"},
	}}
	c := &mockCaller{tools: weatherCatalog()}

	res, err := New(c, p, 5, nil).Run(context.Background(), "do nothing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "nothing to do" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if res.Iterations != 1 || res.ToolCalls != 0 {
		t.Errorf("Iterations = %d, ToolCalls = %d", res.Iterations, res.ToolCalls)
	}
	if len(c.calls) != 0 {
		t.Errorf("caller invoked %d times, want 0", len(c.calls))
	}
}

func TestRunSingleToolCall(t *testing.T) {
	p := &scriptedPlanner{actions: []*planner.Action{
		{Calls: []planner.ToolCallRequest{
			{ID: "c1", Name: "get_weather", Args: map[string]any{"city": "Boston"}},
		}},
		{Final: "It is rainy in Boston."},
	}}
	c := &mockCaller{
		tools: weatherCatalog(),
		callFn: func(name string, args map[string]any) (json.RawMessage, error) {
			if args["city"] != "Boston" {
				t.Errorf("args = %v", args)
			}
			return json.RawMessage(`{"condition":"rainy"}`), nil
		},
	}

	res, err := New(c, p, 5, nil).Run(context.Background(), "weather in Boston?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "It is rainy in Boston." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if res.Iterations != 2 || res.ToolCalls != 1 {
		t.Errorf("Iterations = %d, ToolCalls = %d", res.Iterations, res.ToolCalls)
	}

	// The second plan step must see the tool result appended.
	second := p.seen[1]
	if len(second) != 1 {
		t.Fatalf("second turn has %d messages, want 1", len(second))
	}
	if second[0].Role != planner.RoleTool || second[0].ToolCallID != "c1" {
		t.Errorf("second turn message = %+v", second[0])
	}
	if !strings.Contains(second[0].Content, "rainy") {
		t.Errorf("tool result content = %q", second[0].Content)
	}
}

func TestRunConcurrentBatchKeepsRequestOrder(t *testing.T) {
	p := &scriptedPlanner{actions: []*planner.Action{
		{Calls: []planner.ToolCallRequest{
			{ID: "c1", Name: "slow"},
			{ID: "c2", Name: "fast"},
		}},
		{Final: "done"},
	}}

	fastDone := make(chan struct{})
	c := &mockCaller{
		tools: weatherCatalog(),
		callFn: func(name string, args map[string]any) (json.RawMessage, error) {
			switch name {
			case "slow":
				// Completes only after fast has, proving the batch
				// runs concurrently.
				select {
				case <-fastDone:
				case <-time.After(5 * time.Second):
					return nil, errors.New("fast never completed")
				}
				return json.RawMessage(`"slow-result"`), nil
			default:
				defer close(fastDone)
				return json.RawMessage(`"fast-result"`), nil
			}
		},
	}

	if _, err := New(c, p, 5, nil).Run(context.Background(), "g"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Results appear in request order regardless of completion order.
	second := p.seen[1]
	if len(second) != 2 {
		t.Fatalf("second turn has %d messages, want 2", len(second))
	}
	if second[0].ToolCallID != "c1" || second[1].ToolCallID != "c2" {
		t.Errorf("result order = %q, %q; want c1, c2", second[0].ToolCallID, second[1].ToolCallID)
	}
}

func TestRunToolFailureIsReportedNotFatal(t *testing.T) {
	p := &scriptedPlanner{actions: []*planner.Action{
		{Calls: []planner.ToolCallRequest{{ID: "c1", Name: "get_weather"}}},
		{Final: "could not check the weather"},
	}}
	c := &mockCaller{
		tools: weatherCatalog(),
		callFn: func(name string, args map[string]any) (json.RawMessage, error) {
			return nil, &session.ToolError{Tool: name, Message: "backend on fire"}
		},
	}

	res, err := New(c, p, 5, nil).Run(context.Background(), "g")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "could not check the weather" {
		t.Errorf("Answer = %q", res.Answer)
	}

	second := p.seen[1]
	if len(second) != 1 {
		t.Fatalf("second turn has %d messages, want 1", len(second))
	}
	if !strings.Contains(second[0].Content, "backend on fire") {
		t.Errorf("failure not reported to planner: %q", second[0].Content)
	}
}

func TestRunSessionFailuresAreFatal(t *testing.T) {
	fatalErrs := []error{
		session.ErrSessionClosed,
		session.ErrInterrupted,
		session.ErrRequestTimeout,
		session.ErrToolNotFound,
		session.ErrInvalidArguments,
	}

	for _, want := range fatalErrs {
		t.Run(want.Error(), func(t *testing.T) {
			p := &scriptedPlanner{actions: []*planner.Action{
				{Calls: []planner.ToolCallRequest{{ID: "c1", Name: "get_weather"}}},
				{Final: "unreachable"},
			}}
			c := &mockCaller{
				tools: weatherCatalog(),
				callFn: func(string, map[string]any) (json.RawMessage, error) {
					return nil, want
				},
			}

			_, err := New(c, p, 5, nil).Run(context.Background(), "g")
			if !errors.Is(err, want) {
				t.Errorf("Run = %v, want %v", err, want)
			}
		})
	}
}

func TestRunIterationBound(t *testing.T) {
	// A planner that never answers.
	p := &scriptedPlanner{actions: []*planner.Action{
		{Calls: []planner.ToolCallRequest{{ID: "c1", Name: "get_weather"}}},
		{Calls: []planner.ToolCallRequest{{ID: "c2", Name: "get_weather"}}},
		{Calls: []planner.ToolCallRequest{{ID: "c3", Name: "get_weather"}}},
	}}
	c := &mockCaller{
		tools: weatherCatalog(),
		callFn: func(string, map[string]any) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}

	_, err := New(c, p, 3, nil).Run(context.Background(), "g")
	if !errors.Is(err, ErrLoopExceeded) {
		t.Fatalf("Run = %v, want ErrLoopExceeded", err)
	}
	if len(c.calls) != 3 {
		t.Errorf("caller invoked %d times, want 3", len(c.calls))
	}
}
