package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/streamnode/node/internal/protocol"
	"github.com/streamnode/node/internal/routeplanner"
	"github.com/streamnode/node/internal/session"
)

// APIVersion is advertised on every HTTP response.
const APIVersion = 4

var ErrTooManyConnections = errors.New("too many websocket connections")

// StatsCollector builds node stats for the REST surface.
type StatsCollector interface {
	Collect(ctx context.Context, s *session.Session) (protocol.Stats, error)
}

type Options struct {
	Password string
	// MaxConnections caps concurrent websocket connections. Zero means
	// unlimited.
	MaxConnections int
	AllowedOrigins []string
	Logger         *slog.Logger
	// OnListenerError receives listener failures reported by the registry.
	OnListenerError func(error)
}

type Server struct {
	registry *session.Registry
	stats    StatsCollector
	opts     Options
	logger   *slog.Logger

	planner         routeplanner.Planner
	metrics         http.Handler
	metricsEndpoint string

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	conns          atomic.Int64
}

func NewServer(registry *session.Registry, stats StatsCollector, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		registry:       registry,
		stats:          stats,
		opts:           opts,
		logger:         opts.Logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetRoutePlanner enables the route planner endpoints.
// Must be called before SetupRoutes.
func (s *Server) SetRoutePlanner(p routeplanner.Planner) {
	s.planner = p
}

// SetMetricsHandler serves h at endpoint without authorization.
// Must be called before SetupRoutes.
func (s *Server) SetMetricsHandler(endpoint string, h http.Handler) {
	s.metricsEndpoint = endpoint
	s.metrics = h
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v4/websocket", s.handleWS)

	mux.HandleFunc("PATCH /v4/sessions/{sessionId}", s.authorized(s.handleUpdateSession))
	mux.HandleFunc("GET /v4/sessions/{sessionId}/players", s.authorized(s.handleListPlayers))
	mux.HandleFunc("GET /v4/sessions/{sessionId}/players/{guildId}", s.authorized(s.handleGetPlayer))
	mux.HandleFunc("PATCH /v4/sessions/{sessionId}/players/{guildId}", s.authorized(s.handleUpdatePlayer))
	mux.HandleFunc("DELETE /v4/sessions/{sessionId}/players/{guildId}", s.authorized(s.handleDestroyPlayer))

	mux.HandleFunc("GET /v4/stats", s.authorized(s.handleStats))
	mux.HandleFunc("GET /v4/routeplanner/status", s.authorized(s.handleRoutePlannerStatus))
	mux.HandleFunc("POST /v4/routeplanner/free/address", s.authorized(s.handleFreeAddress))
	mux.HandleFunc("POST /v4/routeplanner/free/all", s.authorized(s.handleFreeAll))

	if s.metrics != nil {
		s.logger.Info("Serving Prometheus metrics", slog.String("endpoint", s.metricsEndpoint))
		mux.Handle(s.metricsEndpoint, s.metrics)
	}
}

// Handler returns the routes wrapped with the response header and request
// logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return responseHeaders(requestLogger(s.logger, mux))
}

// ConnectionCount returns the number of open websocket connections.
func (s *Server) ConnectionCount() int {
	return int(s.conns.Load())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	hs, herr := parseHandshake(r, s.opts.Password)
	if herr != nil {
		s.logger.Warn("Rejected websocket handshake",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Int("status", herr.status),
			slog.String("reason", herr.msg),
		)
		http.Error(w, herr.msg, herr.status)
		return
	}

	if !s.reserveConn() {
		s.logger.Warn("Rejected websocket connection", slog.String("remote_addr", r.RemoteAddr), slog.String("error", ErrTooManyConnections.Error()))
		http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	resuming := hs.SessionID != "" && s.registry.CanResume(hs.SessionID)
	header := http.Header{}
	header.Set(headerSessionResumed, strconv.FormatBool(resuming))

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	wsConn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		s.conns.Add(-1)
		s.logger.Warn("Websocket upgrade failed", slog.String("remote_addr", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}

	c := newConn(wsConn, r.RemoteAddr, s.logger)
	sess, err := s.registry.OnConnectionEstablished(c, hs)
	if sess == nil {
		s.logger.Warn("Closing connection without a session", slog.String("remote_addr", r.RemoteAddr), slog.Any("error", err))
		if errors.Is(err, session.ErrRegistryClosed) {
			c.Close(websocket.CloseGoingAway, "server shutting down")
		} else {
			c.Close(websocket.CloseTryAgainLater, "resume failed")
		}
		s.conns.Add(-1)
		return
	}
	if err != nil {
		s.reportListenerError(err)
	}

	go func() {
		defer s.conns.Add(-1)
		c.readPump(func(code int, reason string) {
			s.registry.OnConnectionClosed(c, code, reason)
		})
	}()
}

func (s *Server) reserveConn() bool {
	limit := int64(s.opts.MaxConnections)
	for {
		cur := s.conns.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if s.conns.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Server) reportListenerError(err error) {
	s.logger.Warn("Session listeners reported errors", slog.String("error", err.Error()))
	if s.opts.OnListenerError != nil {
		s.opts.OnListenerError(err)
	}
}

// authorized rejects requests whose Authorization header does not carry the
// server password: 401 when missing, 403 when wrong.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get(headerAuthorization)
		if passwordMatches(auth, s.opts.Password) {
			next(w, r)
			return
		}
		status := http.StatusForbidden
		if auth == "" {
			status = http.StatusUnauthorized
		}
		s.logger.Warn("Authorization failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
		)
		writeError(w, r, status, "")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// responseHeaders sets the headers every response carries.
func responseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Node-Api-Version", strconv.Itoa(APIVersion))
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijacker of the websocket
// upgrade.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v4/websocket" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
