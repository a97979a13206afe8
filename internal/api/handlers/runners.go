// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fr4nsys/runwatch/internal/pkg/logger"
	"github.com/fr4nsys/runwatch/internal/store"
)

// EngineControl is the runner-lifecycle surface the handlers drive.
type EngineControl interface {
	Run(ctx context.Context, runnerID string) error
	Stop(runnerID string)
	Locked(runnerID string) bool
	ReadLog(runnerID string) (string, error)
	ClearLog(runnerID string) error
}

// RunnerHandler exposes per-runner operations.
type RunnerHandler struct {
	BaseHandler
	store  store.Store
	engine EngineControl
}

// NewRunnerHandler creates a runner handler.
func NewRunnerHandler(st store.Store, eng EngineControl, log *logger.Logger) *RunnerHandler {
	return &RunnerHandler{BaseHandler: NewBaseHandler(log), store: st, engine: eng}
}

// Routes returns the runner routes.
func (h *RunnerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{runnerID}/run", h.Run)
	r.Post("/{runnerID}/stop", h.Stop)
	r.Post("/{runnerID}/clone", h.Clone)
	r.Get("/{runnerID}/log", h.ReadLog)
	r.Delete("/{runnerID}/log", h.ClearLog)
	return r
}

// Run starts a runner manually.
// POST /api/v1/runners/{runnerID}/run
func (h *RunnerHandler) Run(w http.ResponseWriter, r *http.Request) {
	id := h.URLParam(r, "runnerID")
	if err := h.engine.Run(r.Context(), id); err != nil {
		h.HandleError(w, err)
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]string{"runner_id": id, "status": "started"})
}

// Stop stops a running or scheduled runner. Stopping an idle runner is a
// no-op, not an error.
// POST /api/v1/runners/{runnerID}/stop
func (h *RunnerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop(h.URLParam(r, "runnerID"))
	h.NoContent(w)
}

// Clone duplicates a runner definition.
// POST /api/v1/runners/{runnerID}/clone
func (h *RunnerHandler) Clone(w http.ResponseWriter, r *http.Request) {
	dup, err := h.store.CloneRunner(r.Context(), h.URLParam(r, "runnerID"))
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, dup)
}

// ReadLog returns the tail of the runner's log file as plain text.
// GET /api/v1/runners/{runnerID}/log
func (h *RunnerHandler) ReadLog(w http.ResponseWriter, r *http.Request) {
	content, err := h.engine.ReadLog(h.URLParam(r, "runnerID"))
	if err != nil {
		h.HandleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// ClearLog truncates the runner's log file. Refused while the runner is
// active.
// DELETE /api/v1/runners/{runnerID}/log
func (h *RunnerHandler) ClearLog(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearLog(h.URLParam(r, "runnerID")); err != nil {
		h.HandleError(w, err)
		return
	}
	h.NoContent(w)
}
