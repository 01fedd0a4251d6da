// Package api serves the local status and control surface for the sync daemon.
// It is meant to listen on a loopback address only.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/sync"
)

const maxBodyBytes = 4 << 20

type contextKey string

const correlationIDKey contextKey = "correlationId"

// Server holds dependencies for HTTP handlers.
type Server struct {
	engine  sync.Engine
	hub     *Hub
	log     *logging.Logger
	version string
	subID   int
}

// NewServer wires handlers to engine and starts relaying its events to
// WebSocket clients. Close detaches the relay.
func NewServer(engine sync.Engine, version string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Get().With(map[string]interface{}{"component": "api"})
	}
	s := &Server{
		engine:  engine,
		hub:     NewHub(log),
		log:     log,
		version: version,
	}
	s.subID = engine.Events().Subscribe(s.hub.Relay)
	return s
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close stops relaying events and disconnects WebSocket clients.
func (s *Server) Close() {
	s.engine.Events().Unsubscribe(s.subID)
	s.hub.Close()
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.hub.ServeHTTP)

		r.Get("/collection", s.handleGetCollection)
		r.Put("/collection", s.handleSaveCollection)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/", s.handleSync)
			r.Post("/push", s.handlePush)
			r.Post("/pull", s.handlePull)
			r.Post("/resolve", s.handleResolve)
			r.Post("/queue/process", s.handleProcessQueue)
			r.Post("/foreground", s.handleForeground)
		})

		r.Put("/network", s.handleNetwork)
		r.Post("/autosync/{action}", s.handleAutoSync)
	})

	return r
}

// CorrelationMiddleware reads X-Correlation-ID or generates one, echoes it on
// the response and stores it in the request context.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug("HTTP request", map[string]interface{}{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         ww.Status(),
			"duration_ms":    time.Since(start).Milliseconds(),
			"correlation_id": GetCorrelationID(r.Context()),
		})
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode JSON response", err)
	}
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid request body", err)
	}
	return nil
}
