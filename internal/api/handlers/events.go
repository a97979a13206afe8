// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fr4nsys/runwatch/internal/events"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// WebSocket keepalive configuration.
const (
	// writeWait is time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the ping interval. Must be less than pongWait.
	pingPeriod = 50 * time.Second

	// maxMessageSize bounds inbound frames; clients only pong.
	maxMessageSize = 512
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin browsers and non-browser clients; the engine API has
		// no cross-origin surface.
		return true
	},
}

// EventsHandler streams the live event feed over a WebSocket.
type EventsHandler struct {
	BaseHandler
	bus *events.Bus
}

// NewEventsHandler creates the event feed handler.
func NewEventsHandler(bus *events.Bus, log *logger.Logger) *EventsHandler {
	return &EventsHandler{BaseHandler: NewBaseHandler(log), bus: bus}
}

// Feed subscribes the client to the event bus. The first frame is always
// the full snapshot; subscription is refused with 429 once the bus is at
// its subscriber cap.
// GET /api/v1/events
func (h *EventsHandler) Feed(w http.ResponseWriter, r *http.Request) {
	sub, err := h.bus.Subscribe()
	if err != nil {
		h.HandleError(w, err)
		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.Logger().Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	defer sub.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain the reader so close frames and pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
