// Package server exposes the application over a local HTTP control API with
// a websocket event stream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"countryvpn/internal/app"
	"countryvpn/internal/catalog"
	"countryvpn/internal/ipinfo"
	"countryvpn/internal/session"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	maxBodyBytes      = 64 << 10
)

// Server is the control API.
type Server struct {
	app    *app.App
	listen string
	logger *zap.Logger
	ws     *WebSocketManager

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server for a that will listen on listen (host:port).
func New(a *app.App, listen string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	return &Server{
		app:    a,
		listen: listen,
		logger: logger,
		ws:     NewWebSocketManager(a.Bus(), logger.Sugar()),
	}
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("POST /api/select/{id}", s.handleSelect)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("POST /api/check-ip", s.handleCheckIP)
	mux.HandleFunc("POST /api/probe/{id}", s.handleProbe)
	mux.HandleFunc("GET /api/log", s.handleLog)
	mux.HandleFunc("GET /ws", s.ws.HandleWebSocket)
	return s.loggingHandler(localOriginOnly(mux))
}

// localOriginOnly rejects state-changing requests sent by pages served from
// another origin. Requests without an Origin header (CLI tools, curl) pass.
func localOriginOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			if origin := r.Header.Get("Origin"); origin != "" && !isLoopbackOrigin(origin) {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "cross-origin request rejected"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.New("control API already running")
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	s.httpServer = srv
	s.listener = ln

	s.logger.Info("Control API listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("Failed to gracefully shutdown control API, forcing close", zap.Error(err))
		return srv.Close()
	}
	s.logger.Info("Control API stopped")
	return nil
}

type serverView struct {
	catalog.Endpoint
	Selected bool `json:"selected"`
}

type connectRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type probeResponse struct {
	Server catalog.Endpoint `json:"server"`
	Result string           `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	selected, _ := s.app.Selected()
	endpoints := s.app.Catalog().Endpoints()
	out := make([]serverView, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, serverView{Endpoint: e, Selected: e.ID == selected.ID})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	e, err := s.app.SelectServer(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "content type must be application/json"})
			return
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}
	// The session outlives the request
	if err := s.app.Connect(context.WithoutCancel(r.Context()), req.ID, req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.app.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Disconnect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if !s.app.Acknowledge() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session is not in the Failed phase"})
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleCheckIP(w http.ResponseWriter, r *http.Request) {
	info, err := s.app.CheckIP(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	e, result, err := s.app.TestServer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{Server: e, Result: result.String()})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be a non-negative integer"})
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, s.app.Log().Since(since))
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownServer):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNotConfigured):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, app.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, session.ErrDependencyMissing):
		status = http.StatusFailedDependency
	case errors.Is(err, ipinfo.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ipinfo.ErrNoAddress):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingHandler logs every request with its status and duration.
func (s *Server) loggingHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status_code", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		}
		if wrapped.statusCode >= 400 {
			s.logger.Warn("Request completed with error", fields...)
		} else {
			s.logger.Debug("Request completed", fields...)
		}
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.headerWritten {
		rw.statusCode = code
		rw.headerWritten = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack is needed by the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
