// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package models

import "time"

// DeliveryKind classifies a notification journal entry.
type DeliveryKind string

const (
	DeliveryInfo    DeliveryKind = "info"
	DeliverySuccess DeliveryKind = "success"
	DeliveryError   DeliveryKind = "error"
)

// JournalBound is the maximum retained journal length; oldest entries are
// evicted past it.
const JournalBound = 5000

// JournalEntry is an append-only record of one notification delivery
// attempt or outcome.
type JournalEntry struct {
	TS          time.Time    `json:"ts" db:"ts"`
	RunnerID    string       `json:"runner_id" db:"runner_id"`
	ProfileID   string       `json:"profile_id" db:"profile_id"`
	ProfileName string       `json:"profile_name" db:"profile_name"`
	Delivery    DeliveryKind `json:"delivery" db:"delivery"`
	Title       string       `json:"title" db:"title"`
	Message     string       `json:"message" db:"message"`
	Error       string       `json:"error,omitempty" db:"error"`
}

// JournalFilter narrows journal queries. Zero values mean "no filter".
type JournalFilter struct {
	RunnerID  string
	ProfileID string
	Delivery  DeliveryKind
	Limit     int
}
