package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rlanyon/farmhub/internal/auth"
	"github.com/rlanyon/farmhub/internal/device"
	"github.com/rlanyon/farmhub/internal/history"
	"github.com/rlanyon/farmhub/internal/infrastructure/config"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// writeControlTimeout bounds keepalive ping writes.
const writeControlTimeout = 5 * time.Second

// HistoryStore serves per-device transition history. The history
// package's SQLite repository satisfies it; nil disables the endpoint.
type HistoryStore interface {
	History(ctx context.Context, udid string, limit int) ([]history.Entry, error)
}

// Deps holds the dependencies required by the server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Center   *device.Center
	Router   *Router
	History  HistoryStore // optional
	Version  string
}

// Server is the HTTP and WebSocket front end for farmhub.
//
// It manages the HTTP listener, REST routes, and WebSocket routing.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	center  *device.Center
	router  *Router
	history HistoryStore
	version string
	tickets *auth.TicketIssuer
	server  *http.Server
}

// upgrader configures the WebSocket upgrader. Origin checking is left
// to the deployment's reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// New creates a server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, device center, router)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Center == nil {
		return nil, fmt.Errorf("device center is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("router is required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger.With("component", "ws"),
		center:  deps.Center,
		router:  deps.Router,
		history: deps.History,
		version: deps.Version,
	}
	if deps.Security.Ticket.Enabled {
		s.tickets = auth.NewTicketIssuer(deps.Security.Ticket)
	}
	return s, nil
}

// Name identifies the server in service-runner logs.
func (s *Server) Name() string { return "ws-server" }

// Release shuts the server down for the service runner. Errors are logged
// rather than propagated; there is nothing the runner could do with one.
func (s *Server) Release() {
	if err := s.Close(); err != nil {
		s.logger.Error("server shutdown", "error", err)
	}
}

// Start begins listening for HTTP connections. The listener runs in a
// background goroutine; stop it with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server, waiting up to ten seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{udid}", s.handleGetDevice)
		r.Get("/devices/{udid}/history", s.handleDeviceHistory)
		r.Post("/auth/ws-ticket", s.handleWSTicket)
	})

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": len(s.center.Devices()),
	})
}

// handleListDevices returns every tracked device descriptor.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      s.center.ID(),
		"name":    s.center.Name(),
		"devices": s.center.Devices(),
	})
}

// handleGetDevice returns one device descriptor by udid.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	udid := chi.URLParam(r, "udid")
	d := s.center.Device(udid)
	if d == nil {
		writeNotFound(w, "unknown device: "+udid)
		return
	}
	writeJSON(w, http.StatusOK, d.Descriptor())
}

// handleDeviceHistory returns recent state transitions for one device.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "state history is not enabled")
		return
	}

	udid := chi.URLParam(r, "udid")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := s.history.History(r.Context(), udid, limit)
	if err != nil {
		s.logger.Error("history query failed", "udid", udid, "error", err)
		writeInternalError(w, "could not load device history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"udid":    udid,
		"history": entries,
	})
}

// handleWSTicket issues a short-lived WebSocket ticket. Caller identity
// is taken on trust from the request body; the deployment's front-end
// auth is expected to gate this endpoint.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	if s.tickets == nil {
		writeNotFound(w, "ticket auth is not enabled")
		return
	}

	var req struct {
		Client string `json:"client"`
	}
	if r.Body != nil {
		//nolint:errcheck // empty body means anonymous client
		json.NewDecoder(r.Body).Decode(&req)
	}

	ticket, err := s.tickets.Issue(req.Client)
	if err != nil {
		s.logger.Error("ticket issue failed", "error", err)
		writeInternalError(w, "could not issue ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket})
}

// handleWebSocket upgrades the connection and routes it. Plain
// connections are claimed by their "action" parameter; multiplex
// connections carry channels claimed by capability code. Anything
// unclaimed is closed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.tickets != nil {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		if _, err := s.tickets.Validate(ticket); err != nil {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s.configureConn(conn)

	params := r.URL.Query()
	if h := s.router.RouteRequest(conn, params); h == nil {
		s.logger.Warn("unclaimed websocket connection closed", "action", params.Get("action"))
		conn.Close() //nolint:errcheck // fail-closed teardown
	}
}

// configureConn applies the websocket config to a freshly upgraded
// connection: read limit plus a ping/pong keepalive that times out peers
// that stop answering.
func (s *Server) configureConn(conn *websocket.Conn) {
	if s.wsCfg.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}
	if s.wsCfg.PingInterval <= 0 {
		return
	}

	interval := time.Duration(s.wsCfg.PingInterval) * time.Second
	deadline := interval + time.Duration(s.wsCfg.PongTimeout)*time.Second
	conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // gorilla's conn never returns an error here
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})
	go s.keepalive(conn, interval)
}

// keepalive pings the peer until the connection dies. WriteControl is safe
// to call concurrently with the session's own writes.
func (s *Server) keepalive(conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeControlTimeout)); err != nil {
			return
		}
	}
}
