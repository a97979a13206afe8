// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
	"github.com/fr4nsys/runwatch/internal/store"
)

// Import limits protect the engine from runaway definition sets.
const (
	MaxImportRunners  = 100
	MaxTotalRunners   = 500
	MaxCasesPerRunner = 200
)

// LockChecker reports whether a runner's definition is currently
// immutable (running or scheduled), and releases runtime state once a
// definition is gone.
type LockChecker interface {
	Locked(runnerID string) bool
	Forget(runnerID string) error
}

// StateHandler serves the definition-set document.
type StateHandler struct {
	BaseHandler
	store store.Store
	locks LockChecker
}

// NewStateHandler creates a state handler.
func NewStateHandler(st store.Store, locks LockChecker, log *logger.Logger) *StateHandler {
	return &StateHandler{BaseHandler: NewBaseHandler(log), store: st, locks: locks}
}

// Routes returns the state routes.
func (h *StateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Put("/", h.Save)
	return r
}

// Get returns the definition set with credentials masked.
// GET /api/v1/state
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.State(r.Context())
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.OK(w, maskState(state))
}

// Save replaces the definition set. Locked runners may only change their
// notification assignments; everything else about them must round-trip
// unchanged.
// PUT /api/v1/state
func (h *StateHandler) Save(w http.ResponseWriter, r *http.Request) {
	var next models.State
	if err := h.ParseJSON(r, &next); err != nil {
		h.HandleError(w, err)
		return
	}

	prev, err := h.store.State(r.Context())
	if err != nil {
		h.HandleError(w, err)
		return
	}
	if err := h.checkLockedEdits(prev, next); err != nil {
		h.HandleError(w, err)
		return
	}

	saved, err := h.store.SaveState(r.Context(), next)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.forgetRemoved(prev, saved)
	h.OK(w, maskState(saved))
}

// forgetRemoved drops runtime state for runners the save deleted.
func (h *StateHandler) forgetRemoved(prev, saved models.State) {
	for i := range prev.Runners {
		id := prev.Runners[i].ID
		if _, ok := saved.Runner(id); ok {
			continue
		}
		if err := h.locks.Forget(id); err != nil {
			h.Logger().Warn("failed to release deleted runner state", "runner_id", id, "error", err)
		}
	}
}

// checkLockedEdits refuses definition changes and deletions of locked
// runners. Notification assignment fields are exempt.
func (h *StateHandler) checkLockedEdits(prev, next models.State) error {
	for i := range prev.Runners {
		stored := &prev.Runners[i]
		if !h.locks.Locked(stored.ID) {
			continue
		}
		incoming, ok := next.Runner(stored.ID)
		if !ok {
			return errors.Busy("runner " + stored.DisplayName() + " is active and cannot be deleted")
		}
		if !sameDefinitionCore(*stored, *incoming) {
			return errors.Busy("runner " + stored.DisplayName() + " is active and cannot be edited")
		}
	}
	return nil
}

// sameDefinitionCore compares two runner definitions ignoring the fields
// that stay editable while locked.
func sameDefinitionCore(a, b models.Runner) bool {
	a.NotifyProfileIDs, b.NotifyProfileIDs = nil, nil
	a.NotifyProfileUpdatesOnly, b.NotifyProfileUpdatesOnly = nil, nil
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func maskState(s models.State) models.State {
	for i := range s.Profiles {
		s.Profiles[i] = s.Profiles[i].MaskConfig()
	}
	return s
}

// ============================================================================
// Export / import
// ============================================================================

// ExportDocument is the portable runner-definition bundle.
type ExportDocument struct {
	Version int             `json:"version"`
	Runners []models.Runner `json:"runners"`
}

// Export returns the runner definitions as a portable document.
// GET /api/v1/export
func (h *StateHandler) Export(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.State(r.Context())
	if err != nil {
		h.HandleError(w, err)
		return
	}
	// Notification assignments reference profiles that do not travel with
	// the document.
	for i := range state.Runners {
		state.Runners[i].NotifyProfileIDs = nil
		state.Runners[i].NotifyProfileUpdatesOnly = nil
	}
	h.OK(w, ExportDocument{Version: 1, Runners: state.Runners})
}

// Import appends runner definitions from a portable document under fresh
// ids. Limits apply to the document and the resulting total.
// POST /api/v1/import
func (h *StateHandler) Import(w http.ResponseWriter, r *http.Request) {
	var doc ExportDocument
	if err := h.ParseJSON(r, &doc); err != nil {
		h.HandleError(w, err)
		return
	}
	if len(doc.Runners) == 0 {
		h.BadRequest(w, "document contains no runners")
		return
	}
	if len(doc.Runners) > MaxImportRunners {
		h.HandleError(w, errors.LimitExceeded("imported runners", len(doc.Runners), MaxImportRunners))
		return
	}
	for i := range doc.Runners {
		if n := len(doc.Runners[i].Cases); n > MaxCasesPerRunner {
			h.HandleError(w, errors.LimitExceeded("cases per runner", n, MaxCasesPerRunner))
			return
		}
	}

	state, err := h.store.State(r.Context())
	if err != nil {
		h.HandleError(w, err)
		return
	}
	if total := len(state.Runners) + len(doc.Runners); total > MaxTotalRunners {
		h.HandleError(w, errors.LimitExceeded("runners", total, MaxTotalRunners))
		return
	}

	imported := make([]string, 0, len(doc.Runners))
	for _, r := range doc.Runners {
		r.ID = models.NewRunnerID()
		for i := range r.Cases {
			r.Cases[i].ID = models.NewCaseID()
		}
		r.NotifyProfileIDs = nil
		r.NotifyProfileUpdatesOnly = nil
		state.Runners = append(state.Runners, r)
		imported = append(imported, r.ID)
	}

	if _, err := h.store.SaveState(r.Context(), state); err != nil {
		h.HandleError(w, err)
		return
	}
	h.OK(w, map[string]interface{}{"imported": len(imported), "runner_ids": imported})
}
