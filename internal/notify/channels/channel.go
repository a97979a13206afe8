// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package channels defines the outbound notification transports.
package channels

import "context"

// Priority levels understood by transports that support them.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Message is a rendered notification ready for delivery.
type Message struct {
	Title    string
	Body     string
	Priority int
}

// Channel is one notification transport. Config is the profile's
// credential map with secrets already decrypted.
type Channel interface {
	// Type returns the profile type this channel serves, e.g. "pushover".
	Type() string

	// Configured reports whether config carries everything Send needs.
	Configured(config map[string]string) bool

	// Send delivers msg. A non-nil error counts as a delivery failure
	// toward the profile's auto-disable threshold.
	Send(ctx context.Context, config map[string]string, msg Message) error
}
