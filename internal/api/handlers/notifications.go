// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
	"github.com/fr4nsys/runwatch/internal/store"
)

// defaultJournalLimit caps journal responses when the client sends none.
const defaultJournalLimit = 200

// Tester is the notification test surface.
type Tester interface {
	Test(ctx context.Context, profileID, message string) error
}

// NotificationHandler exposes delivery tests and the journal.
type NotificationHandler struct {
	BaseHandler
	store  store.Store
	tester Tester
}

// NewNotificationHandler creates a notification handler.
func NewNotificationHandler(st store.Store, tester Tester, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{BaseHandler: NewBaseHandler(log), store: st, tester: tester}
}

// Routes returns the notification routes.
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{profileID}/test", h.Test)
	return r
}

// JournalRoutes returns the journal routes.
func (h *NotificationHandler) JournalRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Journal)
	r.Delete("/", h.ClearJournal)
	return r
}

type testRequest struct {
	Message string `json:"message"`
}

// Test sends a test notification through one profile.
// POST /api/v1/notifications/{profileID}/test
func (h *NotificationHandler) Test(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if r.ContentLength > 0 {
		if err := h.ParseJSON(r, &req); err != nil {
			h.HandleError(w, err)
			return
		}
	}
	if err := h.tester.Test(r.Context(), h.URLParam(r, "profileID"), req.Message); err != nil {
		h.HandleError(w, err)
		return
	}
	h.OK(w, map[string]string{"status": "sent"})
}

// Journal lists journal entries, newest first.
// GET /api/v1/journal?runner_id=&profile_id=&delivery=&limit=
func (h *NotificationHandler) Journal(w http.ResponseWriter, r *http.Request) {
	filter := models.JournalFilter{
		RunnerID:  h.QueryParam(r, "runner_id"),
		ProfileID: h.QueryParam(r, "profile_id"),
		Delivery:  models.DeliveryKind(h.QueryParam(r, "delivery")),
		Limit:     h.QueryParamInt(r, "limit", defaultJournalLimit),
	}
	if filter.Limit <= 0 || filter.Limit > models.JournalBound {
		filter.Limit = defaultJournalLimit
	}
	entries, err := h.store.Journal(r.Context(), filter)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.OK(w, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// ClearJournal drops all journal entries.
// DELETE /api/v1/journal
func (h *NotificationHandler) ClearJournal(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearJournal(r.Context()); err != nil {
		h.HandleError(w, err)
		return
	}
	h.NoContent(w)
}
