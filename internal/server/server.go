// Package server hosts a tool catalog behind the toolbridge wire
// protocol. Each WebSocket connection must open with a handshake
// frame; after the ack, list_tools and call_tool requests are served
// concurrently, with every response echoing its request's correlation
// id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mwynn/toolbridge/internal/buildinfo"
	"github.com/mwynn/toolbridge/internal/catalog"
	"github.com/mwynn/toolbridge/internal/config"
	"github.com/mwynn/toolbridge/internal/wire"
)

// handshakeWait bounds how long a fresh connection may sit idle
// before sending its handshake frame.
const handshakeWait = 10 * time.Second

// Server serves the wire protocol for one catalog.
type Server struct {
	catalog  *catalog.Catalog
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Server for the given catalog.
func New(cat *catalog.Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		catalog: cat,
		logger:  logger.With("component", "server"),
	}
}

// Routes returns the HTTP routes: the protocol endpoint at /ws and a
// health endpoint at /healthz.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	return r
}

// handleHealth reports catalog size and build metadata.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"tools":  s.catalog.Len(),
		"build":  buildinfo.Info(),
	})
}

// handleWS upgrades the connection and runs the per-connection
// protocol loop until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &connection{
		server: s,
		conn:   conn,
		logger: s.logger.With("remote", r.RemoteAddr),
	}
	c.serve(r.Context())
}

// connection is one client connection. writeMu serializes frame
// writes, since call_tool handlers respond from their own goroutines.
type connection struct {
	server  *Server
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex

	clientName    string
	clientVersion string
}

// serve enforces handshake-first, then dispatches request frames
// until the connection drops. Outstanding handlers are cancelled when
// the read loop exits.
func (c *connection) serve(parent context.Context) {
	defer c.conn.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := c.handshake(); err != nil {
		c.logger.Warn("handshake failed", "error", err)
		return
	}

	c.logger.Info("session established",
		"client_name", c.clientName,
		"client_version", c.clientVersion,
	)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		var f wire.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client disconnected")
			} else {
				c.logger.Debug("read error", "error", err)
			}
			return
		}

		c.logger.Log(ctx, config.LevelTrace, "frame in",
			"kind", f.Kind, "id", f.ID, "payload", string(f.Payload))

		switch f.Kind {
		case wire.KindListTools:
			c.handleListTools(f.ID)

		case wire.KindCallTool:
			frame := f
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				c.handleCallTool(ctx, &frame)
			}()

		default:
			c.logger.Warn("unexpected frame kind", "kind", f.Kind, "id", f.ID)
		}
	}
}

// handshake reads the opening frame and acknowledges it. Anything
// other than a timely handshake frame is a protocol violation and
// drops the connection.
func (c *connection) handshake() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	var f wire.Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return err
	}
	if f.Kind != wire.KindHandshake {
		return errors.New("first frame is not a handshake")
	}

	var hs wire.Handshake
	if err := f.DecodePayload(&hs); err != nil {
		return err
	}
	c.clientName = hs.ClientName
	c.clientVersion = hs.ClientVersion

	ack, err := wire.NewFrame(wire.KindHandshakeAck, 0, wire.HandshakeAck{
		ServerName:    buildinfo.Name,
		ServerVersion: buildinfo.Version,
		Capabilities:  []string{wire.CapabilityTools},
	})
	if err != nil {
		return err
	}
	return c.write(ack)
}

// handleListTools replies with the catalog in registration order.
func (c *connection) handleListTools(id int64) {
	f, err := wire.NewFrame(wire.KindListToolsResult, id, wire.ListToolsResult{
		Tools: c.server.catalog.List(),
	})
	if err != nil {
		c.logger.Error("build list_tools_result", "error", err)
		return
	}
	if err := c.write(f); err != nil {
		c.logger.Debug("write list_tools_result", "error", err)
	}
}

// handleCallTool invokes the tool and replies with the result or a
// coded error, always under the request's correlation id.
func (c *connection) handleCallTool(ctx context.Context, f *wire.Frame) {
	var ct wire.CallTool
	if err := f.DecodePayload(&ct); err != nil {
		c.reply(f.ID, wire.CallToolResult{
			Success: false,
			Error:   &wire.CallError{Code: wire.CodeInvalidArguments, Message: err.Error()},
		})
		return
	}

	c.logger.Debug("tool call", "tool", ct.Name, "id", f.ID)

	payload, err := c.server.catalog.Invoke(ctx, ct.Name, ct.Args)
	if err != nil {
		c.reply(f.ID, wire.CallToolResult{
			Success: false,
			Error:   callError(err),
		})
		return
	}

	c.reply(f.ID, wire.CallToolResult{Success: true, Payload: payload})
}

// reply writes a call_tool_result frame for the given correlation id.
func (c *connection) reply(id int64, result wire.CallToolResult) {
	f, err := wire.NewFrame(wire.KindCallToolResult, id, result)
	if err != nil {
		c.logger.Error("build call_tool_result", "error", err)
		return
	}
	if err := c.write(f); err != nil {
		c.logger.Debug("write call_tool_result", "error", err)
	}
}

// write sends one frame. Safe for concurrent use.
func (c *connection) write(f *wire.Frame) error {
	c.logger.Log(context.Background(), config.LevelTrace, "frame out",
		"kind", f.Kind, "id", f.ID, "payload", string(f.Payload))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// callError maps catalog errors to wire error codes.
func callError(err error) *wire.CallError {
	var ve *catalog.SchemaValidationError
	var he *catalog.HandlerError

	switch {
	case errors.Is(err, catalog.ErrToolNotFound):
		return &wire.CallError{Code: wire.CodeToolNotFound, Message: err.Error()}
	case errors.As(err, &ve):
		return &wire.CallError{Code: wire.CodeInvalidArguments, Message: err.Error()}
	case errors.As(err, &he):
		return &wire.CallError{Code: wire.CodeHandlerError, Message: err.Error()}
	default:
		return &wire.CallError{Code: wire.CodeHandlerError, Message: err.Error()}
	}
}
