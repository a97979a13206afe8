// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// GroupControl is the sequential-group surface the handlers drive.
type GroupControl interface {
	Run(ctx context.Context, groupID string) error
	Stop(groupID string)
}

// GroupHandler exposes group run operations.
type GroupHandler struct {
	BaseHandler
	groups GroupControl
}

// NewGroupHandler creates a group handler.
func NewGroupHandler(groups GroupControl, log *logger.Logger) *GroupHandler {
	return &GroupHandler{BaseHandler: NewBaseHandler(log), groups: groups}
}

// Routes returns the group routes.
func (h *GroupHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{groupID}/run", h.Run)
	r.Post("/{groupID}/stop", h.Stop)
	return r
}

// Run starts a sequential group run.
// POST /api/v1/groups/{groupID}/run
func (h *GroupHandler) Run(w http.ResponseWriter, r *http.Request) {
	id := h.URLParam(r, "groupID")
	if err := h.groups.Run(r.Context(), id); err != nil {
		h.HandleError(w, err)
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]string{"group_id": id, "status": "started"})
}

// Stop halts the current group run.
// POST /api/v1/groups/{groupID}/stop
func (h *GroupHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.groups.Stop(h.URLParam(r, "groupID"))
	h.NoContent(w)
}
