// Package dispatch drives the bounded conversation between the
// planner and the tool layer: plan, fan out tool calls, feed results
// back, repeat until the planner answers or the iteration bound hits.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mwynn/toolbridge/internal/planner"
	"github.com/mwynn/toolbridge/internal/session"
	"github.com/mwynn/toolbridge/internal/wire"
)

// ErrLoopExceeded means the iteration bound was hit before the
// planner produced a final answer.
var ErrLoopExceeded = errors.New("dispatch: iteration limit exceeded")

// DefaultMaxIterations bounds planner/tool round trips per run.
const DefaultMaxIterations = 10

// Caller is the slice of the session the loop needs. *session.Session
// satisfies it.
type Caller interface {
	ListTools(ctx context.Context) ([]wire.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Result is the outcome of one completed run.
type Result struct {
	Answer     string
	Iterations int
	ToolCalls  int
	Elapsed    time.Duration
}

// Loop executes goals against one session with one planner.
type Loop struct {
	caller        Caller
	planner       planner.Planner
	maxIterations int
	logger        *slog.Logger
}

// New creates a dispatch loop. maxIterations <= 0 selects the default.
func New(caller Caller, p planner.Planner, maxIterations int, logger *slog.Logger) *Loop {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		caller:        caller,
		planner:       p,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// Run drives one goal to completion. The catalog is fetched once at
// the start; tool failures are fed back to the planner, session-level
// failures abort the run.
func (l *Loop) Run(ctx context.Context, goal string) (*Result, error) {
	start := time.Now()

	tools, err := l.caller.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	l.logger.Info("dispatch started", "goal", goal, "tools", len(tools))

	turn := planner.NewTurn(goal, tools)
	totalCalls := 0

	for i := 0; i < l.maxIterations; i++ {
		action, err := l.planner.Plan(ctx, turn)
		if err != nil {
			return nil, fmt.Errorf("plan iteration %d: %w", i, err)
		}

		if len(action.Calls) == 0 {
			l.logger.Info("dispatch finished",
				"iterations", i+1,
				"tool_calls", totalCalls,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return &Result{
				Answer:     action.Final,
				Iterations: i + 1,
				ToolCalls:  totalCalls,
				Elapsed:    time.Since(start),
			}, nil
		}

		results, err := l.execute(ctx, i, action.Calls)
		if err != nil {
			return nil, err
		}
		totalCalls += len(action.Calls)

		// Results are appended in request order even though the calls
		// ran concurrently.
		for _, r := range results {
			turn.AddToolResult(r)
		}
	}

	l.logger.Warn("dispatch iteration limit reached", "max", l.maxIterations)
	return nil, fmt.Errorf("%w (%d iterations)", ErrLoopExceeded, l.maxIterations)
}

// execute fans the batch out over the session. The protocol does not
// order responses, so the calls run concurrently; results come back
// indexed by their position in the batch.
func (l *Loop) execute(ctx context.Context, iter int, calls []planner.ToolCallRequest) ([]planner.ToolResult, error) {
	results := make([]planner.ToolResult, len(calls))
	fatal := make([]error, len(calls))

	var wg sync.WaitGroup
	for idx, call := range calls {
		wg.Add(1)
		go func(idx int, call planner.ToolCallRequest) {
			defer wg.Done()

			callStart := time.Now()
			l.logger.Info("tool exec", "iter", iter, "tool", call.Name)

			payload, err := l.caller.CallTool(ctx, call.Name, call.Args)
			if err != nil {
				if tErr := toolFailure(err); tErr != nil {
					l.logger.Error("tool exec failed",
						"tool", call.Name,
						"error", err,
					)
					results[idx] = planner.ToolResult{
						ID:      call.ID,
						Name:    call.Name,
						Failed:  true,
						Message: tErr.Error(),
					}
					return
				}
				fatal[idx] = err
				return
			}

			l.logger.Debug("tool exec done",
				"tool", call.Name,
				"result_len", len(payload),
				"elapsed", time.Since(callStart).Round(time.Millisecond),
			)
			results[idx] = planner.ToolResult{
				ID:      call.ID,
				Name:    call.Name,
				Payload: payload,
			}
		}(idx, call)
	}
	wg.Wait()

	for _, err := range fatal {
		if err != nil {
			return nil, fmt.Errorf("tool call: %w", err)
		}
	}
	return results, nil
}

// toolFailure returns a non-nil error when the failure belongs to the
// tool itself and should be reported back to the planner. Tool-name
// and argument errors are programming errors and session-level
// failures are unrecoverable here, so those abort the run instead.
func toolFailure(err error) error {
	var te *session.ToolError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
