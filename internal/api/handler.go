// Package api exposes the job lifecycle over HTTP: submit, inspect, list,
// delete, health. Handlers stay thin; all orchestration lives behind the
// store and the poller.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/contentforged/internal/config"
	"github.com/contentforge/contentforged/internal/job"
)

// Waker lets the handler nudge the worker after a submission instead of
// waiting for the next poll tick.
type Waker interface {
	Wake()
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store   job.Store
	waker   Waker
	cfg     *config.Config
	limiter *submitLimiter
}

func NewHandler(store job.Store, waker Waker, cfg *config.Config) *Handler {
	return &Handler{store: store, waker: waker, cfg: cfg, limiter: newSubmitLimiter(cfg)}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.SubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// SubmitJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.Targets) == 0 {
		req.Targets = h.cfg.DefaultTargets
	}
	if req.Tone == "" {
		req.Tone = h.cfg.DefaultTone
	}
	if req.Language == "" {
		req.Language = h.cfg.DefaultLanguage
	}

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := job.NormalizeTargets(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	j := &job.Job{
		ID:          id,
		SourceURL:   req.SourceURL,
		Tone:        req.Tone,
		Language:    req.Language,
		Targets:     targets,
		MockMode:    req.MockMode,
		CallbackURL: req.CallbackURL,
		Status:      job.StatusPending,
		OutputDir:   filepath.Join(h.cfg.OutputRoot, id),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.store.Create(r.Context(), j); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	h.waker.Wake()

	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	jobs, total, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob handles GET /api/v1/jobs/{id}; the response includes the full stage
// history and the output directory.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}. Only terminal jobs may be
// deleted; the artifact directory goes before the row so a failure here is
// retryable.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !j.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "job is still pending or running")
		return
	}

	if j.OutputDir != "" {
		if err := os.RemoveAll(j.OutputDir); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to remove artifacts")
			return
		}
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /api/v1/health and responds 200 with queue counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if total, err := h.store.Count(r.Context()); err == nil {
		resp["jobs"] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseIntParam parses a query string integer, returning the fallback on
// empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
