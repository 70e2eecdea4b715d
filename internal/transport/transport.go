// Package transport provides the message channel between a toolbridge
// client and server. Implementations handle connecting, framing, and
// the reconnect policy; correlation and protocol state live one layer
// up, in the session package.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/mwynn/toolbridge/internal/wire"
)

// ErrExhausted is returned by Reconnect when every attempt permitted
// by the policy has failed. Callers must treat it as session-fatal.
var ErrExhausted = errors.New("transport: reconnect attempts exhausted")

// ErrNotConnected is returned by Send when no connection is live.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned after Close; a closed transport never
// reconnects.
var ErrClosed = errors.New("transport: closed")

// Policy configures connection establishment and recovery. The delay
// between reconnect attempts is fixed, not exponential.
type Policy struct {
	// ConnectTimeout bounds each dial attempt. It is also the
	// per-request response deadline applied by the session layer.
	ConnectTimeout time.Duration

	// MaxReconnectAttempts is how many times Reconnect redials before
	// giving up with ErrExhausted. Zero disables reconnection.
	MaxReconnectAttempts int

	// ReconnectDelay is slept before each reconnect attempt.
	ReconnectDelay time.Duration
}

// DefaultPolicy returns the policy used when the configuration leaves
// the transport section empty.
func DefaultPolicy() Policy {
	return Policy{
		ConnectTimeout:       10 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       2 * time.Second,
	}
}

// Transport is a bidirectional frame channel to one remote server.
//
// Connect and Reconnect return the inbound frame stream for the new
// connection. The stream is closed when the connection is lost; it is
// restartable only by calling Reconnect, which yields a fresh stream.
// A Transport's connection handle is exclusively owned by one session.
type Transport interface {
	// Connect dials the endpoint, bounded by the policy's
	// ConnectTimeout.
	Connect(ctx context.Context) (<-chan *wire.Frame, error)

	// Reconnect redials after a connection loss, applying the
	// policy's attempt count and fixed delay. Exhausting all
	// attempts fails with ErrExhausted.
	Reconnect(ctx context.Context) (<-chan *wire.Frame, error)

	// Send writes one frame to the live connection.
	Send(ctx context.Context, f *wire.Frame) error

	// Close tears down the connection and disables reconnection.
	Close() error
}
