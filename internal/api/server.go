// Package api exposes the HTTP interface the external queue workers and
// operators call into.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/config"
	"github.com/vestiaro/catalog-pipeline/internal/processor"
	"github.com/vestiaro/catalog-pipeline/internal/scheduler"
	"github.com/vestiaro/catalog-pipeline/internal/techprofile"
)

// Server wires HTTP handlers to the processor, scheduler, and stores.
type Server struct {
	router    chi.Router
	processor *processor.Processor
	scheduler *scheduler.Scheduler
	runs      catalog.RunStore
	brands    catalog.BrandStore
	profiler  *techprofile.Profiler
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	proc *processor.Processor,
	sched *scheduler.Scheduler,
	runs catalog.RunStore,
	brands catalog.BrandStore,
	profiler *techprofile.Profiler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		processor: proc,
		scheduler: sched,
		runs:      runs,
		brands:    brands,
		profiler:  profiler,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(120 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/catalog", func(r chi.Router) {
			r.Post("/process-item", s.processItem)
		})
		r.Route("/refresh", func(r chi.Router) {
			r.Post("/tick", s.refreshTick)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/items", s.listRunItems)
				r.Post("/drain", s.drainRun)
			})
		})
		r.Route("/brands", func(r chi.Router) {
			r.Post("/{brand_id}/profile", s.profileBrand)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Readiness is database reachability; a cheap read proxies for it.
	if _, err := s.runs.ListRuns(r.Context(), nil, 1, 0); err != nil {
		writeError(w, s.logger, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

type processItemRequest struct {
	ItemID uuid.UUID `json:"item_id"`
}

// processItem is the queue-worker callback. It always answers with the
// structured outcome: an error body would make the worker retry or drop the
// message and strand the item in in_progress until the stuck timeout.
func (s *Server) processItem(w http.ResponseWriter, r *http.Request) {
	var req processItemRequest
	if err := decodeJSON(r, &req); err != nil || req.ItemID == uuid.Nil {
		writeError(w, s.logger, http.StatusBadRequest, "item_id required")
		return
	}
	outcome, err := s.processor.ProcessItem(r.Context(), req.ItemID, true)
	if err != nil {
		s.logger.Error("process-item infrastructure failure",
			zap.String("item_id", req.ItemID.String()), zap.Error(err))
		writeJSON(w, s.logger, http.StatusInternalServerError, map[string]any{
			"item_id": req.ItemID,
			"status":  "error",
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, outcome)
}

type refreshTickRequest struct {
	Force bool `json:"force"`
}

func (s *Server) refreshTick(w http.ResponseWriter, r *http.Request) {
	var req refreshTickRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, s.logger, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	result, err := s.scheduler.Tick(r.Context(), req.Force)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusOK, result)
}

type drainRequest struct {
	Batch       int `json:"batch"`
	Concurrency int `json:"concurrency"`
	MaxMS       int `json:"max_ms"`
}

func (s *Server) drainRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid run id")
		return
	}
	var req drainRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, s.logger, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	result, err := s.processor.DrainRun(r.Context(), processor.DrainOptions{
		RunID:       runID,
		Batch:       req.Batch,
		Concurrency: req.Concurrency,
		MaxRuntime:  time.Duration(req.MaxMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusOK, result)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	var status *catalog.RunStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := catalog.RunStatus(raw)
		status = &st
	}
	runs, err := s.runs.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, s.logger, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func (s *Server) listRunItems(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid run id")
		return
	}
	limit, offset := pagination(r, 100)
	items, err := s.runs.ItemsForRun(r.Context(), runID, limit, offset)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"items": toItemDTOs(items)})
}

func (s *Server) profileBrand(w http.ResponseWriter, r *http.Request) {
	brandID, err := uuid.Parse(chi.URLParam(r, "brand_id"))
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid brand id")
		return
	}
	brand, err := s.brands.GetBrand(r.Context(), brandID)
	if err != nil {
		writeError(w, s.logger, http.StatusNotFound, "brand not found")
		return
	}
	profile, err := s.profiler.Profile(r.Context(), brand.SiteURL)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusOK, profile)
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = queryInt(r, "limit", defaultLimit)
	if limit <= 0 || limit > 500 {
		limit = defaultLimit
	}
	offset = queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
