// Package server exposes the orchestrator over HTTP: query dispatch, status
// and circuit diagnostics, a live status stream, and dispatch history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/audible-ai/audible/internal/breaker"
	"github.com/audible-ai/audible/internal/domain"
)

// Service is the orchestrator surface the server needs.
type Service interface {
	Query(ctx context.Context, req *domain.QueryRequest) *domain.QueryResponse
	GetAllStatus() domain.StatusSnapshot
	GetCircuitBreakerStatus() map[domain.BackendName]breaker.Snapshot
	Subscribe(name string) <-chan domain.StatusSnapshot
	Unsubscribe(name string)
}

// HistoryReader serves the dispatch-history diagnostics endpoint.
type HistoryReader interface {
	RecentDispatches(ctx context.Context, limit int) ([]domain.DispatchRecord, error)
}

type Server struct {
	Router  *chi.Mux
	Port    int
	logger  *slog.Logger
	svc     Service
	history HistoryReader

	httpServer *http.Server
}

// New builds the router. history may be nil; the history endpoint then
// reports 501.
func New(port int, svc Service, history HistoryReader, logger *slog.Logger) *Server {
	s := &Server{
		Port:    port,
		logger:  logger,
		svc:     svc,
		history: history,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "audible")
	})

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(60 * time.Second))
		r.Post("/v1/query", s.handleQuery)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/circuits", s.handleCircuits)
		r.Get("/v1/history", s.handleHistory)
		r.Get("/healthz", s.handleHealthz)
	})

	// The status stream is long-lived; no request timeout.
	r.Get("/v1/status/stream", s.handleStatusStream)

	s.Router = r
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.QueryText == "" {
		writeError(w, http.StatusBadRequest, "queryText is required")
		return
	}

	resp := s.svc.Query(r.Context(), &req)

	AddLogField(r.Context(), "backend", string(resp.BackendName))
	AddLogField(r.Context(), "query_request_id", resp.RequestID)
	if resp.Degraded {
		AddLogField(r.Context(), "degraded", "true")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetAllStatus())
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetCircuitBreakerStatus())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "dispatch history is not configured")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.history.RecentDispatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("history read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read dispatch history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleStatusStream pushes backend status snapshots as server-sent events.
// The first event is the current snapshot; subsequent events follow health
// mutations.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subscriber := "sse-" + GetRequestID(r.Context())
	updates := s.svc.Subscribe(subscriber)
	defer s.svc.Unsubscribe(subscriber)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, s.svc.GetAllStatus()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap domain.StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
