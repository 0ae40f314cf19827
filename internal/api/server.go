package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/trafficsim/internal/ratelimit"
)

// Config tunes the HTTP front door.
type Config struct {
	Host           string
	Port           int
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP/WebSocket boundary of the engine.
type Server struct {
	cfg  Config
	http *http.Server
	log  *zap.Logger
}

// NewServer assembles the router and the underlying http.Server.
func NewServer(cfg Config, h *Handler, stream *Stream, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	// Run triggers are rate limited; read endpoints are polled by the
	// dashboard and stay open.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))
	limited.HandleFunc("/sessions/run", h.StartRun).Methods("POST", "OPTIONS")
	limited.HandleFunc("/ip/reenable", h.ReenableIP).Methods("POST", "OPTIONS")

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/stats", h.Stats).Methods("GET")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/events", h.ListEvents).Methods("GET")
	api.HandleFunc("/ip/status", h.IPStatus).Methods("GET")
	api.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")

	if stream != nil {
		r.Handle("/ws", stream).Methods("GET")
	}

	r.Use(corsMiddleware)

	return &Server{
		cfg: cfg,
		log: log,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // the websocket stream manages its own deadlines
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Router exposes the handler tree; tests mount it on httptest servers.
func (s *Server) Router() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
