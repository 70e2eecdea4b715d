// Package session implements the client side of the toolbridge
// protocol: one Session per remote server, owning its Transport
// exclusively and multiplexing concurrent requests over it by
// correlation id. Responses may arrive in any order; waiters are
// matched by id, never by submission order.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mwynn/toolbridge/internal/config"
	"github.com/mwynn/toolbridge/internal/transport"
	"github.com/mwynn/toolbridge/internal/wire"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateReady
	StateReconnecting
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Session.
type Options struct {
	// ClientName and ClientVersion identify this client in the
	// handshake.
	ClientName    string
	ClientVersion string

	// HandshakeTimeout bounds the wait for the server's handshake
	// ack (default 10s).
	HandshakeTimeout time.Duration

	// RequestTimeout is the per-request response deadline. It is
	// conventionally set to the transport's connect timeout
	// (default 10s).
	RequestTimeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// waitResult is delivered to a request's waiter: either the matched
// response frame or a failure decided by the session.
type waitResult struct {
	frame *wire.Frame
	err   error
}

// Session is one client-to-server connection. All methods are safe
// for concurrent use; multiple requests may be outstanding at once.
type Session struct {
	id        string
	transport transport.Transport
	opts      Options
	logger    *slog.Logger

	nextID       atomic.Int64
	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos of the last inbound frame

	mu      sync.Mutex // guards pending and the closing flag
	pending map[int64]chan waitResult
	closing bool

	closeOnce sync.Once
	pumpDone  chan struct{}
}

// Open connects the transport, performs the handshake, and returns a
// Ready session. There is at most one caller-visible handshake per
// Session; reconnection replays the identity frame internally without
// re-entering the Handshaking state.
//
// A HandshakeTimeout failure leaves the session Disconnected and the
// transport reusable, so the caller may retry Open.
func Open(ctx context.Context, t transport.Transport, opts Options) (*Session, error) {
	opts.applyDefaults()

	s := &Session{
		id:        uuid.NewString(),
		transport: t,
		opts:      opts,
		pending:   make(map[int64]chan waitResult),
		pumpDone:  make(chan struct{}),
	}
	s.logger = opts.Logger.With("session", s.id)

	frames, err := t.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s.state.Store(int32(StateHandshaking))
	ack, err := s.handshake(ctx, frames)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return nil, err
	}

	s.logger.Info("session established",
		"server_name", ack.ServerName,
		"server_version", ack.ServerVersion,
		"capabilities", ack.Capabilities,
	)

	s.state.Store(int32(StateReady))
	go s.readPump(frames)
	return s, nil
}

// ID returns the session identity.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActivity returns when the last inbound frame arrived, or the
// zero time if none has.
func (s *Session) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ListTools performs a fresh list_tools exchange. Results are never
// cached: after a reconnect the remote catalog may have changed, so
// every call reflects the server's current registry.
func (s *Session) ListTools(ctx context.Context) ([]wire.ToolDescriptor, error) {
	resp, err := s.request(ctx, wire.KindListTools, nil)
	if err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindListToolsResult {
		return nil, fmt.Errorf("unexpected response kind %q", resp.Kind)
	}

	var lr wire.ListToolsResult
	if err := resp.DecodePayload(&lr); err != nil {
		return nil, err
	}
	return lr.Tools, nil
}

// CallTool invokes a remote tool and returns its result payload.
// Remote failures come back as ErrToolNotFound, ErrInvalidArguments,
// or a ToolError depending on the wire error code.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := s.request(ctx, wire.KindCallTool, wire.CallTool{Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindCallToolResult {
		return nil, fmt.Errorf("unexpected response kind %q", resp.Kind)
	}

	var res wire.CallToolResult
	if err := resp.DecodePayload(&res); err != nil {
		return nil, err
	}
	if res.Success {
		return res.Payload, nil
	}
	if res.Error == nil {
		return nil, &ToolError{Tool: name, Message: "unspecified failure"}
	}

	switch res.Error.Code {
	case wire.CodeToolNotFound:
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	case wire.CodeInvalidArguments:
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, res.Error.Message)
	default:
		return nil, &ToolError{Tool: name, Message: res.Error.Message}
	}
}

// Close releases the transport and fails all outstanding requests
// with ErrInterrupted. Idempotent; the session is terminal afterward.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.failPendingLocked(ErrInterrupted)
		s.mu.Unlock()

		s.state.Store(int32(StateClosed))
		_ = s.transport.Close()
		s.logger.Info("session closed")
	})
	return nil
}

// Wait blocks until the read pump exits (session closed or transport
// exhausted). Useful in tests and shutdown paths.
func (s *Session) Wait() {
	<-s.pumpDone
}

// handshake sends the identity frame and waits for the ack on the
// given inbound stream.
func (s *Session) handshake(ctx context.Context, frames <-chan *wire.Frame) (*wire.HandshakeAck, error) {
	f, err := wire.NewFrame(wire.KindHandshake, 0, wire.Handshake{
		ClientName:    s.opts.ClientName,
		ClientVersion: s.opts.ClientVersion,
	})
	if err != nil {
		return nil, err
	}
	if err := s.transport.Send(ctx, f); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case in, ok := <-frames:
		if !ok {
			return nil, fmt.Errorf("connection lost during handshake")
		}
		if in.Kind != wire.KindHandshakeAck {
			return nil, fmt.Errorf("expected handshake ack, got %q", in.Kind)
		}
		var ack wire.HandshakeAck
		if err := in.DecodePayload(&ack); err != nil {
			return nil, err
		}
		return &ack, nil

	case <-timer.C:
		return nil, ErrHandshakeTimeout

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request issues one correlated request/response exchange. The
// response must arrive within RequestTimeout or the request fails
// with ErrRequestTimeout; a connection loss fails it with
// ErrInterrupted via the pending map.
func (s *Session) request(ctx context.Context, kind wire.Kind, payload any) (*wire.Frame, error) {
	switch s.State() {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateReconnecting:
		return nil, fmt.Errorf("%w: session is reconnecting", ErrInterrupted)
	case StateReady:
	default:
		return nil, fmt.Errorf("session not ready (%s)", s.State())
	}

	id := s.nextID.Add(1)
	ch := make(chan waitResult, 1)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	f, err := wire.NewFrame(kind, id, payload)
	if err != nil {
		return nil, err
	}
	s.logger.Log(ctx, config.LevelTrace, "frame out",
		"kind", f.Kind, "id", f.ID, "payload", string(f.Payload))

	if err := s.transport.Send(ctx, f); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrSessionClosed
		}
		// The pump will notice the loss; this waiter fails now.
		return nil, fmt.Errorf("%w: send failed: %v", ErrInterrupted, err)
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.frame, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w (%s, id %d)", ErrRequestTimeout, s.opts.RequestTimeout, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readPump delivers inbound frames to their waiters. When the stream
// closes it recovers via the transport's reconnect policy; exhaustion
// closes the session.
func (s *Session) readPump(frames <-chan *wire.Frame) {
	defer close(s.pumpDone)

	for {
		for f := range frames {
			s.deliver(f)
		}

		if s.State() == StateClosed {
			return
		}

		next := s.recover()
		if next == nil {
			return
		}
		frames = next
	}
}

// deliver routes one inbound frame to the waiter registered under its
// correlation id. A frame with no waiter is a late response to an
// interrupted or timed-out request and is dropped.
func (s *Session) deliver(f *wire.Frame) {
	s.lastActivity.Store(time.Now().UnixNano())
	s.logger.Log(context.Background(), config.LevelTrace, "frame in",
		"kind", f.Kind, "id", f.ID, "payload", string(f.Payload))

	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropping unmatched frame", "kind", f.Kind, "id", f.ID)
		return
	}

	// Non-blocking: the buffer is full only if this waiter already
	// has a result (a duplicate id), which must not stall the pump.
	select {
	case ch <- waitResult{frame: f}:
	default:
		s.logger.Warn("duplicate response dropped", "kind", f.Kind, "id", f.ID)
	}
}

// recover handles a transport loss while Ready: in-flight requests
// fail with ErrInterrupted, then the reconnect policy runs. On
// success the identity frame is replayed on the new connection and
// the session returns to Ready; on exhaustion the session closes.
// Returns the new inbound stream, or nil if the session is now closed.
func (s *Session) recover() <-chan *wire.Frame {
	s.state.Store(int32(StateReconnecting))
	s.logger.Warn("connection lost, reconnecting")

	s.mu.Lock()
	s.failPendingLocked(ErrInterrupted)
	s.mu.Unlock()

	frames, err := s.transport.Reconnect(context.Background())
	if err != nil {
		s.logger.Error("reconnect failed, closing session", "error", err)
		s.shutdown()
		return nil
	}

	// Replay the identity frame: the server requires it on every
	// physical connection, even though the session's own handshake
	// already happened.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	ack, err := s.handshake(ctx, frames)
	cancel()
	if err != nil {
		s.logger.Error("handshake replay failed, closing session", "error", err)
		s.shutdown()
		return nil
	}

	s.logger.Info("session recovered",
		"server_name", ack.ServerName,
		"server_version", ack.ServerVersion,
	)
	s.state.Store(int32(StateReady))
	return frames
}

// shutdown marks the session terminal after an unrecoverable
// transport failure.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closing = true
	s.failPendingLocked(ErrInterrupted)
	s.mu.Unlock()

	s.state.Store(int32(StateClosed))
	_ = s.transport.Close()
}

// failPendingLocked fails every outstanding request. Caller holds mu.
func (s *Session) failPendingLocked(err error) {
	for id, ch := range s.pending {
		select {
		case ch <- waitResult{err: err}:
		default: // waiter already has its response
		}
		delete(s.pending, id)
	}
}
