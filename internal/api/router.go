// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package api wires the engine HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/fr4nsys/runwatch/internal/api/handlers"
)

// RouterConfig tunes the shared middleware stack.
type RouterConfig struct {
	// RateLimitPerMinute applies per client IP across the API. 0 disables.
	RateLimitPerMinute int
	// RequestTimeout aborts slow handlers. The event feed is exempt.
	RequestTimeout time.Duration
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RateLimitPerMinute: 240,
		RequestTimeout:     30 * time.Second,
	}
}

// Handlers bundles the API handler set.
type Handlers struct {
	State        *handlers.StateHandler
	Runner       *handlers.RunnerHandler
	Group        *handlers.GroupHandler
	Notification *handlers.NotificationHandler
	Events       *handlers.EventsHandler
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig, h Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if cfg.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// The event feed holds its connection open; everything else gets
		// the request timeout.
		if h.Events != nil {
			r.Get("/events", h.Events.Feed)
		}

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			}
			if h.State != nil {
				r.Mount("/state", h.State.Routes())
				r.Get("/export", h.State.Export)
				r.Post("/import", h.State.Import)
			}
			if h.Runner != nil {
				r.Mount("/runners", h.Runner.Routes())
			}
			if h.Group != nil {
				r.Mount("/groups", h.Group.Routes())
			}
			if h.Notification != nil {
				r.Mount("/notifications", h.Notification.Routes())
				r.Mount("/journal", h.Notification.JournalRoutes())
			}
		})
	})

	return r
}
