// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/hub"
	"github.com/absmach/courier/presence"
	"github.com/absmach/courier/ratelimit"
	"github.com/absmach/courier/store"
	"github.com/absmach/courier/typing"
	"github.com/absmach/courier/wire"
)

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration

	// MaxPayload bounds one inbound frame in bytes.
	MaxPayload int64
	// QueueSize bounds the per-connection outbound queue.
	QueueSize    int
	PingInterval time.Duration
	WriteTimeout time.Duration
	// PongTimeout is how long a connection may go without any inbound
	// traffic before the read side gives up on it.
	PongTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 64 * 1024
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.PingInterval
	}
	return c
}

// Authenticator resolves an upgrade request to a user identity.
type Authenticator interface {
	Authenticate(r *http.Request) (user, workspace string, err error)
}

// HeaderAuth trusts identity headers injected by the authenticating
// reverse proxy. Session and credential mechanics live upstream.
type HeaderAuth struct{}

func (HeaderAuth) Authenticate(r *http.Request) (string, string, error) {
	user := r.Header.Get("X-User-ID")
	workspace := r.Header.Get("X-Workspace-ID")
	if user == "" || workspace == "" {
		return "", "", errors.New("missing identity headers")
	}
	return user, workspace, nil
}

// Server accepts client WebSocket connections and drives the command
// protocol over them.
type Server struct {
	config   Config
	registry *hub.Registry
	pipeline *delivery.Pipeline
	presence *presence.Tracker
	typing   *typing.Tracker
	limits   *ratelimit.Manager
	auth     Authenticator
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, registry *hub.Registry, pipeline *delivery.Pipeline, pres *presence.Tracker, typ *typing.Tracker, limits *ratelimit.Manager, auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = HeaderAuth{}
	}

	s := &Server{
		config:   cfg.withDefaults(),
		registry: registry,
		pipeline: pipeline,
		presence: pres,
		typing:   typ,
		limits:   limits,
		auth:     auth,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    s.config.Address,
		Handler: mux,
	}

	return s
}

// Handler exposes the WebSocket endpoint for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limits != nil && !s.limits.AllowConnection(r.RemoteAddr) {
		s.logger.Warn("connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	user, workspace, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user", user),
		slog.String("workspace", workspace))

	s.serve(ws, user, workspace)
}

// serve runs a connection from registration to teardown. It returns when
// the read side fails, which is also how server-initiated closes (slow
// consumer eviction, operator disconnect) surface here.
func (s *Server) serve(ws *websocket.Conn, user, workspace string) {
	id := uuid.NewString()
	conn := hub.NewConn(id, user, workspace, &wsTransport{ws: ws, timeout: s.config.WriteTimeout}, s.config.QueueSize)

	if err := s.registry.Register(conn); err != nil {
		s.logger.Error("connection_register_failed",
			slog.String("conn_id", id),
			slog.String("error", err.Error()))
		ws.Close()
		return
	}

	ctx := context.Background()
	s.presence.Connect(ctx, workspace, user, id)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := conn.WriteLoop(s.config.PingInterval); err != nil {
			s.logger.Debug("write_loop_ended",
				slog.String("conn_id", id),
				slog.String("error", err.Error()))
		}
	}()

	s.readPump(ws, conn)

	channels := conn.Channels()
	s.registry.Deregister(id)
	<-writeDone

	s.typing.StopAll(ctx, workspace, user, channels)
	s.presence.Disconnect(ctx, workspace, user, id)
	if s.limits != nil {
		s.limits.OnDisconnect(id)
	}

	s.logger.Debug("websocket_connection_closed",
		slog.String("conn_id", id),
		slog.String("user", user))
}

func (s *Server) readPump(ws *websocket.Conn, conn *hub.Conn) {
	ws.SetReadLimit(s.config.MaxPayload)
	ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		conn.Touch()
		return nil
	})

	ctx := context.Background()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket_read_error",
					slog.String("conn_id", conn.ID),
					slog.String("error", err.Error()))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		conn.Touch()
		s.presence.Activity(ctx, conn.Workspace, conn.User, conn.ID)

		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			s.sendError(conn, wire.KindValidationFailed, err.Error(), "")
			continue
		}
		s.dispatch(ctx, conn, cmd)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *hub.Conn, cmd wire.Command) {
	switch cmd.Type {
	case wire.CmdSubscribe:
		if s.limits != nil && !s.limits.AllowSubscribe(conn.ID) {
			s.sendError(conn, wire.KindRateLimited, "subscribe rate exceeded", cmd.RequestID)
			return
		}
		if err := s.pipeline.Subscribe(ctx, conn, cmd.Channel, cmd.Cursor); err != nil {
			s.sendError(conn, kindOf(err), err.Error(), cmd.RequestID)
		}

	case wire.CmdUnsubscribe:
		s.pipeline.Unsubscribe(conn, cmd.Channel)
		s.typing.Stop(ctx, conn.Workspace, cmd.Channel, conn.User)

	case wire.CmdSendMessage:
		if s.limits != nil && !s.limits.AllowSend(conn.ID) {
			s.sendError(conn, wire.KindRateLimited, "message rate exceeded", cmd.RequestID)
			return
		}
		if _, err := s.pipeline.SendMessage(ctx, conn.Workspace, cmd.Channel, conn.User, cmd.Content); err != nil {
			s.sendError(conn, kindOf(err), err.Error(), cmd.RequestID)
			return
		}
		// Sending a message counts as an implicit stop_typing.
		s.typing.Stop(ctx, conn.Workspace, cmd.Channel, conn.User)

	case wire.CmdStartTyping:
		// Subscription already proved membership; a store round trip per
		// keystroke would be wasteful.
		if !conn.Subscribed(cmd.Channel) {
			s.sendError(conn, wire.KindNotAMember, "not subscribed to channel", cmd.RequestID)
			return
		}
		s.typing.Start(ctx, conn.Workspace, cmd.Channel, conn.User)

	case wire.CmdStopTyping:
		if !conn.Subscribed(cmd.Channel) {
			return
		}
		s.typing.Stop(ctx, conn.Workspace, cmd.Channel, conn.User)

	case wire.CmdAck:
		if err := s.pipeline.Ack(ctx, conn, cmd.Channel, *cmd.Cursor); err != nil {
			s.sendError(conn, kindOf(err), err.Error(), cmd.RequestID)
			return
		}
		s.sendFrame(conn, wire.AckOK(cmd.Channel, conn.Cursor(cmd.Channel), cmd.RequestID))
	}
}

// kindOf maps pipeline and store errors onto the wire error taxonomy.
func kindOf(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalidMessage):
		return wire.KindValidationFailed
	case errors.Is(err, delivery.ErrNotAMember):
		return wire.KindNotAMember
	case errors.Is(err, store.ErrUnavailable):
		return wire.KindStorageUnavailable
	case errors.Is(err, delivery.ErrBusUnavailable):
		return wire.KindBusUnavailable
	default:
		return wire.KindInternal
	}
}

func (s *Server) sendError(conn *hub.Conn, kind, detail, requestID string) {
	s.sendFrame(conn, wire.ErrorFrame(kind, detail, requestID))
}

func (s *Server) sendFrame(conn *hub.Conn, f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		s.logger.Error("frame_encode_failed", slog.String("error", err.Error()))
		return
	}
	if err := conn.Send(data); err != nil {
		s.logger.Debug("frame_send_failed",
			slog.String("conn_id", conn.ID),
			slog.String("error", err.Error()))
	}
}

// wsTransport adapts a gorilla connection to the hub transport. WriteFrame
// and Ping are only ever called from the conn's write loop; Close may be
// called from any goroutine and more than once.
type wsTransport struct {
	ws      *websocket.Conn
	timeout time.Duration
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	t.ws.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Ping() error {
	t.ws.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.ws.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}
