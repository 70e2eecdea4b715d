package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwynn/toolbridge/internal/wire"
)

// WSTransport carries frames over a WebSocket connection. gorilla
// connections permit one concurrent reader and one concurrent writer;
// the read loop is the sole reader and writeMu serializes writers.
type WSTransport struct {
	endpoint string
	policy   Policy
	logger   *slog.Logger

	mu      sync.Mutex // guards conn and closed
	conn    *websocket.Conn
	closed  bool
	done    chan struct{} // closed by Close; aborts reconnect sleeps
	writeMu sync.Mutex
}

// NewWS creates a WebSocket transport for the given endpoint. The
// endpoint may use an http(s) or ws(s) scheme; http schemes are
// rewritten to their WebSocket equivalents at dial time.
func NewWS(endpoint string, policy Policy, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		endpoint: endpoint,
		policy:   policy,
		logger:   logger.With("transport", "websocket"),
		done:     make(chan struct{}),
	}
}

// Connect implements Transport. Any previous connection is discarded,
// so a caller whose handshake timed out can simply connect again.
func (t *WSTransport) Connect(ctx context.Context) (<-chan *wire.Frame, error) {
	if err := t.dropConn(); err != nil {
		return nil, err
	}
	return t.dial(ctx)
}

// Reconnect implements Transport.
func (t *WSTransport) Reconnect(ctx context.Context) (<-chan *wire.Frame, error) {
	if err := t.dropConn(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= t.policy.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, ErrClosed
		case <-time.After(t.policy.ReconnectDelay):
		}

		frames, err := t.dial(ctx)
		if err == nil {
			t.logger.Info("reconnected", "attempt", attempt)
			return frames, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err
		t.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", t.policy.MaxReconnectAttempts,
			"error", err,
		)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrExhausted, lastErr)
	}
	return nil, ErrExhausted
}

// Send implements Transport.
func (t *WSTransport) Send(ctx context.Context, f *wire.Frame) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(t.policy.ConnectTimeout))
	}

	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// dropConn discards the current connection, if any. Errors from
// closing a dead socket are ignored.
func (t *WSTransport) dropConn() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

// dial establishes one connection and starts its read loop. The dial
// happens outside the transport lock so Close stays responsive.
func (t *WSTransport) dial(ctx context.Context) (<-chan *wire.Frame, error) {
	u, err := wsURL(t.endpoint)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.policy.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.policy.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	frames := make(chan *wire.Frame, 16)
	go t.readLoop(conn, frames)

	t.logger.Debug("connected", "url", u)
	return frames, nil
}

// readLoop reads frames until the connection fails, then closes the
// stream so the session layer can decide whether to reconnect.
func (t *WSTransport) readLoop(conn *websocket.Conn, frames chan<- *wire.Frame) {
	defer close(frames)

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("connection closed by peer")
			} else {
				t.logger.Warn("read error, connection lost", "error", err)
			}
			return
		}
		frames <- &f
	}
}

// wsURL converts an endpoint to its WebSocket form.
func wsURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	return u.String(), nil
}
