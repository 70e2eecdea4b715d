package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/mwynn/toolbridge/internal/catalog"
	"github.com/mwynn/toolbridge/internal/server"
	"github.com/mwynn/toolbridge/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testEnv is a live server plus a connected session.
type testEnv struct {
	srv     *httptest.Server
	session *Session
	calls   *atomic.Int64
}

func testOptions() Options {
	return Options{
		ClientName:       "bridge-test",
		ClientVersion:    "0.0.0",
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   2 * time.Second,
	}
}

func fastPolicy() transport.Policy {
	return transport.Policy{
		ConnectTimeout:       time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       20 * time.Millisecond,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cat := catalog.New()
	var calls atomic.Int64

	mustRegister(t, cat, &catalog.Tool{
		Name:        "get_weather",
		Description: "Get current weather conditions for a city.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []any{"city"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{"condition": "rainy"}, nil
		},
	})
	mustRegister(t, cat, &catalog.Tool{
		Name:        "echo",
		Description: "Echo the arguments back.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	})
	mustRegister(t, cat, &catalog.Tool{
		Name:        "block",
		Description: "Block until the connection drops.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	mustRegister(t, cat, &catalog.Tool{
		Name:        "fail",
		Description: "Always fail.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend on fire")
		},
	})

	srv := httptest.NewServer(server.New(cat, nil).Routes())
	t.Cleanup(srv.Close)

	tr := transport.NewWS(srv.URL+"/ws", fastPolicy(), nil)
	s, err := Open(context.Background(), tr, testOptions())
	if err != nil {
		tr.Close()
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		s.Wait()
	})

	return &testEnv{srv: srv, session: s, calls: &calls}
}

func mustRegister(t *testing.T, cat *catalog.Catalog, tool *catalog.Tool) {
	t.Helper()
	if err := cat.Register(tool); err != nil {
		t.Fatalf("Register(%s): %v", tool.Name, err)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestOpenAndListTools(t *testing.T) {
	env := newTestEnv(t)

	if env.session.State() != StateReady {
		t.Fatalf("state = %s, want ready", env.session.State())
	}

	tools, err := env.session.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 4 {
		t.Fatalf("got %d tools, want 4", len(tools))
	}
	// Registration order is preserved end to end.
	if tools[0].Name != "get_weather" {
		t.Errorf("tools[0] = %q, want get_weather", tools[0].Name)
	}
	if tools[0].InputSchema["type"] != "object" {
		t.Errorf("schema type = %v, want object", tools[0].InputSchema["type"])
	}
}

func TestCallToolEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	payload, err := env.session.CallTool(context.Background(), "get_weather", map[string]any{"city": "Boston"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["condition"] != "rainy" {
		t.Errorf("condition = %q, want rainy", result["condition"])
	}
	if env.calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", env.calls.Load())
	}
}

func TestCallToolNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.session.CallTool(context.Background(), "get_forecast", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("CallTool = %v, want ErrToolNotFound", err)
	}
	if env.calls.Load() != 0 {
		t.Errorf("handler calls = %d, want 0", env.calls.Load())
	}
}

func TestCallToolInvalidArguments(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.session.CallTool(context.Background(), "get_weather", map[string]any{"city": 12})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("CallTool = %v, want ErrInvalidArguments", err)
	}
	if env.calls.Load() != 0 {
		t.Errorf("handler calls = %d, want 0", env.calls.Load())
	}
}

func TestCallToolHandlerFailure(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.session.CallTool(context.Background(), "fail", nil)
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("CallTool = %v, want ToolError", err)
	}
	if te.Tool != "fail" {
		t.Errorf("Tool = %q, want fail", te.Tool)
	}
}

func TestConcurrentCallsCorrelateById(t *testing.T) {
	env := newTestEnv(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("payload-%d", i)
			payload, err := env.session.CallTool(context.Background(), "echo", map[string]any{"v": want})
			if err != nil {
				errs <- err
				return
			}
			var got map[string]string
			if err := json.Unmarshal(payload, &got); err != nil {
				errs <- err
				return
			}
			if got["v"] != want {
				errs <- fmt.Errorf("response %q delivered to waiter expecting %q", got["v"], want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestRequestTimeout(t *testing.T) {
	env := newTestEnv(t)

	opts := testOptions()
	opts.RequestTimeout = 150 * time.Millisecond

	tr := transport.NewWS(env.srv.URL+"/ws", fastPolicy(), nil)
	s, err := Open(context.Background(), tr, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		s.Close()
		s.Wait()
	}()

	start := time.Now()
	_, err = s.CallTool(context.Background(), "block", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("CallTool = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request hung for %s before timing out", elapsed)
	}
}

func TestCloseInterruptsOutstandingRequests(t *testing.T) {
	env := newTestEnv(t)

	done := make(chan error, 1)
	go func() {
		_, err := env.session.CallTool(context.Background(), "block", nil)
		done <- err
	}()

	// Let the request reach the server before closing.
	time.Sleep(100 * time.Millisecond)
	env.session.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("CallTool = %v, want ErrInterrupted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding request not interrupted by Close")
	}

	if _, err := env.session.ListTools(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ListTools after Close = %v, want ErrSessionClosed", err)
	}
}

func TestReconnectPerformsFreshListTools(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.session.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	// Drop every connection; the session recovers in the background.
	env.srv.CloseClientConnections()
	waitState(t, env.session, StateReady)

	// The catalog exchange happens again on the wire, not from cache.
	tools, err := env.session.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools after reconnect: %v", err)
	}
	if len(tools) != 4 {
		t.Errorf("got %d tools after reconnect, want 4", len(tools))
	}
}

func TestConnectionLossInterruptsInFlight(t *testing.T) {
	env := newTestEnv(t)

	done := make(chan error, 1)
	go func() {
		_, err := env.session.CallTool(context.Background(), "block", nil)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	env.srv.CloseClientConnections()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("CallTool = %v, want ErrInterrupted (never silently retried)", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request not interrupted by connection loss")
	}

	// The session itself recovers.
	waitState(t, env.session, StateReady)
}

func TestReconnectExhaustionClosesSession(t *testing.T) {
	env := newTestEnv(t)

	// Take the server away entirely; every reconnect attempt fails.
	env.srv.Close()

	env.session.Wait() // pump exits after policy exhaustion
	if got := env.session.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}

	if _, err := env.session.ListTools(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ListTools = %v, want ErrSessionClosed", err)
	}
	if _, err := env.session.CallTool(context.Background(), "get_weather", map[string]any{"city": "Boston"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("CallTool = %v, want ErrSessionClosed", err)
	}
}

func TestOpenHandshakeTimeout(t *testing.T) {
	// A server that upgrades but never acknowledges the handshake.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.HandshakeTimeout = 150 * time.Millisecond

	tr := transport.NewWS(srv.URL, fastPolicy(), nil)
	defer tr.Close()

	_, err := Open(context.Background(), tr, opts)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Open = %v, want ErrHandshakeTimeout", err)
	}
}

func TestOpenConnectionRefused(t *testing.T) {
	policy := fastPolicy()
	policy.ConnectTimeout = 300 * time.Millisecond

	tr := transport.NewWS("ws://127.0.0.1:1/ws", policy, nil)
	defer tr.Close()

	if _, err := Open(context.Background(), tr, testOptions()); err == nil {
		t.Fatal("Open against dead endpoint: got nil, want error")
	}
}

func TestCorrelationIdsAreUnique(t *testing.T) {
	s := &Session{}
	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := s.nextID.Add(1)
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("correlation id %d issued twice", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
}
