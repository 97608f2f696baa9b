// Package ws exposes the coordinator over websockets, alongside the health
// and metrics endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/00quasr/sokudo-sub009/internal/coordinator"
	"github.com/00quasr/sokudo-sub009/internal/identity"
)

// FrameObserver receives per-frame transport observations.
type FrameObserver interface {
	FrameReceived()
	RateLimited()
}

type noopObserver struct{}

func (noopObserver) FrameReceived() {}
func (noopObserver) RateLimited()   {}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Config holds configuration for the websocket server.
type Config struct {
	Addr            string
	SendBuffer      int
	RatePerSec      float64
	RateBurst       int
	AllowedOrigins  []string // empty allows any origin
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration // must be shorter than PongWait
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		SendBuffer:      64,
		RatePerSec:      20,
		RateBurst:       40,
		ReadyTimeout:    time.Second,
		ShutdownTimeout: 10 * time.Second,
		WriteWait:       5 * time.Second,
		PongWait:        30 * time.Second,
		PingPeriod:      20 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithFrameObserver sets the per-frame metrics receiver.
func WithFrameObserver(o FrameObserver) Option {
	return func(s *Server) { s.frames = o }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithReadinessCheck adds a dependency to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// Server accepts websocket clients and bridges them to the coordinator.
type Server struct {
	coord          *coordinator.Coordinator
	ident          identity.Provider
	cfg            Config
	logger         *log.Logger
	frames         FrameObserver
	metricsHandler http.Handler
	checks         map[string]ReadinessCheck
	upgrader       websocket.Upgrader
}

// New creates a server.
func New(coord *coordinator.Coordinator, ident identity.Provider, cfg Config, opts ...Option) *Server {
	s := &Server{
		coord:  coord,
		ident:  ident,
		cfg:    cfg,
		logger: log.New(io.Discard),
		frames: noopObserver{},
		checks: make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /livez", s.livez)
	mux.HandleFunc("GET /readyz", s.readyz)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	// Shutdown does not track hijacked connections. Their write pumps watch
	// the request context, which derives from ctx.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) livez(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

type readyResponse struct {
	Status      string            `json:"status"`
	Connections int               `json:"connections"`
	Queued      int               `json:"queued"`
	ActiveRaces int               `json:"activeRaces"`
	Failures    map[string]string `json:"failures,omitempty"`
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()

	resp := readyResponse{Status: "ok"}
	failures := make(map[string]string)

	st, err := s.coord.Stats(ctx)
	if err != nil {
		failures["coordinator"] = err.Error()
	} else {
		resp.Connections = st.Connections
		resp.Queued = st.Queued
		resp.ActiveRaces = st.ActiveRaces
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	code := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unavailable"
		resp.Failures = failures
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
