// Package httpapi implements the Read API (spec §6): a read-only HTTP
// surface over the Snapshot Store and the latest fusion envelope. Grounded
// on the teacher's internal/interfaces/http/server.go for the overall
// Server/ServerConfig shape and middleware chain (request logging,
// request-ID, timeout, CORS, then a JSON-content-type subrouter) —
// generalized from the teacher's four scan-specific routes to spec §6's
// seven signal/performance/health/history/analytics routes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/signalsd/internal/cache"
	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/store"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// ServerConfig holds the Read API's own network configuration, distinct
// from config.RuntimeConfig so the server can be constructed directly in
// tests without the rest of the runtime config tree.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig mirrors the teacher's DefaultServerConfig, reading
// the listen address from RuntimeConfig instead of a raw port env var
// since this domain's HTTPAddr already carries host:port.
func DefaultServerConfig(cfg config.RuntimeConfig) ServerConfig {
	return ServerConfig{
		Addr:           cfg.HTTPAddr,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Server is the Read API's HTTP listener.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	config   ServerConfig
}

// NewServer wires a Server over st (the Snapshot Store), profile (for the
// asset list and cache key), and sigCache (spec §5's in-memory fusion
// cache, TTL cacheTTL).
func NewServer(cfg ServerConfig, profile *config.Profile, st store.Store, sigCache cache.Cache, cacheTTL time.Duration) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:   router,
		handlers: newHandlers(profile, st, sigCache, cacheTTL),
		config:   cfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/signal", s.handlers.Signal).Methods(http.MethodGet)
	api.HandleFunc("/signal/{asset}", s.handlers.SignalAsset).Methods(http.MethodGet)
	api.HandleFunc("/performance/reputation", s.handlers.Reputation).Methods(http.MethodGet)
	api.HandleFunc("/performance/{asset}", s.handlers.PerformanceAsset).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	api.HandleFunc("/api/history", s.handlers.History).Methods(http.MethodGet)
	api.HandleFunc("/analytics", s.handlers.Analytics).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.handlers.Metrics).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs every request and records it into the
// api_requests log (spec §3/§6's GET /analytics source of truth).
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		log.Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).Dur("duration", duration).
			Str("remote", r.RemoteAddr).Msg("http request")

		s.handlers.recordRequest(r, wrapper.statusCode, duration)
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := s.config.RequestTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows any origin: the Read API is a read-only boundary
// with no authentication, matching spec §6's "documented for completeness"
// framing rather than the teacher's localhost-only restriction (this
// domain's consumers are not assumed to be same-machine dashboards).
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start runs the listener until it errors or is shut down.
func (s *Server) Start() error {
	log.Info().Str("addr", s.config.Addr).Msg("read API listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("read API shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) Address() string {
	return s.config.Addr
}

// responseWrapper captures the status code for request logging, same
// pattern as the teacher's.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
