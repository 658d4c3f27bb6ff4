// Package api exposes the HTTP control surface for the fleet orchestrator.
// Workers poll it for claims and commands; the dashboard reads status and
// issues control actions through it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/audit"
	"github.com/inkdex/fleet-orchestrator/internal/config"
	"github.com/inkdex/fleet-orchestrator/internal/fleet"
	"github.com/inkdex/fleet-orchestrator/internal/metrics"
	"github.com/inkdex/fleet-orchestrator/internal/queue"
	"github.com/inkdex/fleet-orchestrator/internal/registry"
	"github.com/inkdex/fleet-orchestrator/internal/rotation"
)

// Server wires HTTP handlers to the orchestrator services.
type Server struct {
	router     chi.Router
	queue      *queue.Service
	registry   *registry.Registry
	controller *rotation.Controller
	audit      *audit.Log
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queueSvc *queue.Service,
	reg *registry.Registry,
	controller *rotation.Controller,
	auditLog *audit.Log,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		queue:      queueSvc,
		registry:   reg,
		controller: controller,
		audit:      auditLog,
		cfg:        cfg,
		logger:     logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/heartbeat", s.heartbeat)
		r.Get("/status", s.status)
		r.Get("/history", s.history)
		r.Get("/rate-limits", s.rateLimits)
		r.Post("/control", s.control)

		r.Route("/claims", func(r chi.Router) {
			r.Post("/city", s.claimCity)
			r.Post("/artist", s.claimArtist)
		})
		r.Route("/items/{item_id}", func(r chi.Router) {
			r.Post("/complete", s.completeItem)
			r.Post("/fail", s.failItem)
		})
		r.Route("/cities", func(r chi.Router) {
			r.Post("/", s.enqueueCity)
			r.Post("/{city_id}/artists", s.enqueueArtists)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.Summary(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type heartbeatRequest struct {
	WorkerID            string `json:"worker_id"`
	NetworkIdentity     string `json:"network_identity"`
	CurrentItemID       string `json:"current_item_id"`
	ItemsProcessed      int    `json:"items_processed"`
	UnitsProcessed      int    `json:"units_processed"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LifetimeFailures    int    `json:"lifetime_failures"`
	LastError           string `json:"last_error"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing worker_id", s.logger)
		return
	}
	metrics.ObserveHeartbeat()
	reply, err := s.registry.RegisterHeartbeat(r.Context(), fleet.Heartbeat{
		WorkerID:            req.WorkerID,
		NetworkIdentity:     req.NetworkIdentity,
		CurrentItemID:       req.CurrentItemID,
		ItemsProcessed:      req.ItemsProcessed,
		UnitsProcessed:      req.UnitsProcessed,
		ConsecutiveFailures: req.ConsecutiveFailures,
		LifetimeFailures:    req.LifetimeFailures,
		LastError:           req.LastError,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply, s.logger)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.ListWorkers(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	summary, err := s.queue.Summary(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	byState := make(map[fleet.WorkerStatus]int)
	for _, worker := range workers {
		byState[worker.Status]++
	}
	status := fleet.FleetStatus{
		Workers:        workers,
		WorkersByState: byState,
		Queue:          summary,
	}
	metrics.SetFleetGauges(status)
	writeJSON(w, http.StatusOK, status, s.logger)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.History(r.Context(), limitParam(r, 50))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events}, s.logger)
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.RateLimits(r.Context(), limitParam(r, 50))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events}, s.logger)
}

type controlRequest struct {
	Action   string `json:"action"`
	WorkerID string `json:"worker_id"`
	Name     string `json:"name"`
	Reason   string `json:"reason"`
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if req.Reason == "" {
		req.Reason = "requested via API"
	}
	switch req.Action {
	case "spawn":
		worker, err := s.controller.Spawn(r.Context(), req.Name, req.Reason)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"worker": worker}, s.logger)
	case "rotate":
		if req.WorkerID == "" {
			writeError(w, http.StatusBadRequest, "missing worker_id", s.logger)
			return
		}
		ev, err := s.controller.Rotate(r.Context(), req.WorkerID, req.Reason)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		metrics.ObserveRotation("manual")
		writeJSON(w, http.StatusAccepted, map[string]any{"event": ev}, s.logger)
	case "shutdown":
		if req.WorkerID == "" {
			writeError(w, http.StatusBadRequest, "missing worker_id", s.logger)
			return
		}
		ev, err := s.controller.Shutdown(r.Context(), req.WorkerID, req.Reason)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"event": ev}, s.logger)
	case "terminate":
		if req.WorkerID == "" {
			writeError(w, http.StatusBadRequest, "missing worker_id", s.logger)
			return
		}
		ev, err := s.controller.Terminate(r.Context(), req.WorkerID, req.Reason)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"event": ev}, s.logger)
	default:
		writeError(w, http.StatusBadRequest, "unknown action", s.logger)
	}
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
	CityID   string `json:"city_id"`
}

func (s *Server) claimCity(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing worker_id", s.logger)
		return
	}
	item, err := s.queue.ClaimNextCity(r.Context(), req.WorkerID)
	if err != nil {
		if errors.Is(err, fleet.ErrNoWork) {
			metrics.ObserveClaim(fleet.ItemKindCity, "empty")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		metrics.ObserveClaim(fleet.ItemKindCity, "error")
		s.writeDomainError(w, err)
		return
	}
	metrics.ObserveClaim(fleet.ItemKindCity, "claimed")
	writeJSON(w, http.StatusOK, map[string]any{"item": item}, s.logger)
}

func (s *Server) claimArtist(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.CityID == "" {
		writeError(w, http.StatusBadRequest, "missing worker_id or city_id", s.logger)
		return
	}
	item, err := s.queue.ClaimNextArtist(r.Context(), req.WorkerID, req.CityID)
	if err != nil {
		if errors.Is(err, fleet.ErrNoWork) {
			metrics.ObserveClaim(fleet.ItemKindArtist, "empty")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		metrics.ObserveClaim(fleet.ItemKindArtist, "error")
		s.writeDomainError(w, err)
		return
	}
	metrics.ObserveClaim(fleet.ItemKindArtist, "claimed")
	writeJSON(w, http.StatusOK, map[string]any{"item": item}, s.logger)
}

type finishRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

func (s *Server) completeItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing worker_id", s.logger)
		return
	}
	if err := s.queue.CompleteItem(r.Context(), itemID, req.WorkerID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	metrics.ObserveItemFinished("completed")
	writeJSON(w, http.StatusOK, map[string]string{"item_id": itemID, "status": "completed"}, s.logger)
}

func (s *Server) failItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing worker_id", s.logger)
		return
	}
	if req.Reason == "" {
		req.Reason = "reported failed"
	}
	if err := s.queue.FailItem(r.Context(), itemID, req.WorkerID, req.Reason); err != nil {
		s.writeDomainError(w, err)
		return
	}
	metrics.ObserveItemFinished("failed")
	writeJSON(w, http.StatusOK, map[string]string{"item_id": itemID, "status": "failed"}, s.logger)
}

type enqueueCityRequest struct {
	Name string `json:"name"`
}

func (s *Server) enqueueCity(w http.ResponseWriter, r *http.Request) {
	var req enqueueCityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing city name", s.logger)
		return
	}
	item, err := s.queue.EnqueueCity(r.Context(), req.Name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item}, s.logger)
}

type enqueueArtistsRequest struct {
	Names []string `json:"names"`
}

func (s *Server) enqueueArtists(w http.ResponseWriter, r *http.Request) {
	cityID := chi.URLParam(r, "city_id")
	var req enqueueArtistsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Names) == 0 {
		writeError(w, http.StatusBadRequest, "missing artist names", s.logger)
		return
	}
	items, err := s.queue.EnqueueArtists(r.Context(), cityID, req.Names)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": items}, s.logger)
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var perr *fleet.ProvisioningError
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), s.logger)
	case errors.Is(err, fleet.ErrStaleClaim), errors.Is(err, fleet.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), s.logger)
	case errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, err.Error(), s.logger)
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
	}
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return def
		}
		limit = limit*10 + int(c-'0')
		if limit > 1000 {
			return 1000
		}
	}
	if limit <= 0 {
		return def
	}
	return limit
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, zap.NewNop())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
