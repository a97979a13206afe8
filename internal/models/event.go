// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package models

import "time"

// EventType enumerates the closed set of live-feed event kinds.
type EventType string

const (
	EventStatus              EventType = "status"
	EventOutput              EventType = "output"
	EventCaseMatch           EventType = "case_match"
	EventCaseError           EventType = "case_error"
	EventProfileStatus       EventType = "notify_profile_status"
	EventProfileAutoDisabled EventType = "notify_profile_auto_disabled"
	EventGroupStatus         EventType = "group_status"
	EventSnapshot            EventType = "snapshot"
)

// RunnerPhase is the status carried by a status event.
type RunnerPhase string

const (
	PhaseStarted   RunnerPhase = "started"
	PhaseStopping  RunnerPhase = "stopping"
	PhaseStopped   RunnerPhase = "stopped"
	PhaseScheduled RunnerPhase = "scheduled"
	PhasePaused    RunnerPhase = "paused"
	PhaseFinished  RunnerPhase = "finished"
)

// Event is the tagged union broadcast over the event bus. Exactly one
// payload field is set, matching Type.
type Event struct {
	Type EventType `json:"type"`

	Status              *StatusEvent              `json:"status,omitempty"`
	Output              *OutputEvent              `json:"output,omitempty"`
	CaseMatch           *CaseMatchEvent           `json:"case_match,omitempty"`
	CaseError           *CaseErrorEvent           `json:"case_error,omitempty"`
	ProfileStatus       *ProfileStatusEvent       `json:"profile_status,omitempty"`
	ProfileAutoDisabled *ProfileAutoDisabledEvent `json:"profile_auto_disabled,omitempty"`
	GroupStatus         *GroupStatusEvent         `json:"group_status,omitempty"`
	Snapshot            *Snapshot                 `json:"snapshot,omitempty"`
}

// StatusEvent reports a runner lifecycle transition.
type StatusEvent struct {
	RunnerID            string      `json:"runner_id"`
	Phase               RunnerPhase `json:"phase"`
	ExitCode            *int        `json:"exit_code,omitempty"`
	Stopped             bool        `json:"stopped,omitempty"`
	RunCount            int         `json:"run_count,omitempty"`
	Remaining           *int        `json:"remaining,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures,omitempty"`
	InSeconds           int         `json:"in_s,omitempty"`
	Reason              string      `json:"reason,omitempty"`
	Threshold           int         `json:"threshold,omitempty"`
	TS                  time.Time   `json:"ts"`
}

// OutputEvent carries one captured output line.
type OutputEvent struct {
	RunnerID string    `json:"runner_id"`
	Line     string    `json:"line"`
	TS       time.Time `json:"ts"`
}

// CaseMatchEvent reports a rendered case match.
type CaseMatchEvent struct {
	RunnerID string    `json:"runner_id"`
	CaseID   string    `json:"case_id,omitempty"`
	Pattern  string    `json:"pattern"`
	Message  string    `json:"message"`
	State    CaseState `json:"state,omitempty"`
	TS       time.Time `json:"ts"`
}

// CaseErrorEvent reports a case that failed to compile or render; the case
// is skipped for the remainder of the run.
type CaseErrorEvent struct {
	RunnerID string    `json:"runner_id"`
	CaseID   string    `json:"case_id,omitempty"`
	Pattern  string    `json:"pattern"`
	Error    string    `json:"error"`
	TS       time.Time `json:"ts"`
}

// ProfileStatusEvent reports the outcome of one delivery attempt.
type ProfileStatusEvent struct {
	RunnerID     string       `json:"runner_id"`
	ProfileID    string       `json:"profile_id"`
	ProfileName  string       `json:"profile_name"`
	Active       bool         `json:"active"`
	FailureCount int          `json:"failure_count"`
	SentCount    int          `json:"sent_count"`
	Delivery     DeliveryKind `json:"delivery"`
	Reason       string       `json:"reason,omitempty"`
	AutoDisabled bool         `json:"auto_disabled,omitempty"`
	Title        string       `json:"title"`
	Message      string       `json:"message"`
	TS           time.Time    `json:"ts"`
}

// ProfileAutoDisabledEvent reports a profile deactivated after repeated
// delivery failures.
type ProfileAutoDisabledEvent struct {
	ProfileID    string    `json:"profile_id"`
	ProfileName  string    `json:"profile_name"`
	FailureCount int       `json:"failure_count"`
	SentCount    int       `json:"sent_count"`
	Reason       string    `json:"reason"`
	TS           time.Time `json:"ts"`
}

// GroupStatusEvent reports progress of a sequential group run.
type GroupStatusEvent struct {
	GroupID        string     `json:"group_id"`
	Phase          GroupPhase `json:"phase"`
	CurrentRunner  string     `json:"current_runner,omitempty"`
	CompletedCount int        `json:"completed_count"`
	TotalCount     int        `json:"total_count"`
	Error          string     `json:"error,omitempty"`
	TS             time.Time  `json:"ts"`
}

// RunnerSnapshot is the per-runner slice of a full snapshot.
type RunnerSnapshot struct {
	Running             bool       `json:"running"`
	Scheduled           bool       `json:"scheduled"`
	Paused              bool       `json:"paused"`
	Stopped             bool       `json:"stopped"`
	RunCount            int        `json:"run_count"`
	Remaining           *int       `json:"remaining,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Tail                string     `json:"tail"`
	LastCase            string     `json:"last_case,omitempty"`
	LastCaseTS          string     `json:"last_case_ts,omitempty"`
	ActiveSince         *time.Time `json:"active_since,omitempty"`
}

// GroupSnapshot is the per-group slice of a full snapshot.
type GroupSnapshot struct {
	Phase          GroupPhase `json:"phase"`
	CurrentRunner  string     `json:"current_runner,omitempty"`
	CompletedCount int        `json:"completed_count"`
	TotalCount     int        `json:"total_count"`
}

// Snapshot is the full current state sent first to every new subscriber.
type Snapshot struct {
	Runners map[string]RunnerSnapshot `json:"runners"`
	Groups  map[string]GroupSnapshot  `json:"groups"`
	TS      time.Time                 `json:"ts"`
}

// Constructors keep event payloads and the type tag in sync.

func NewStatusEvent(s StatusEvent) Event {
	if s.TS.IsZero() {
		s.TS = time.Now()
	}
	return Event{Type: EventStatus, Status: &s}
}

func NewOutputEvent(runnerID, line string) Event {
	return Event{Type: EventOutput, Output: &OutputEvent{RunnerID: runnerID, Line: line, TS: time.Now()}}
}

func NewCaseMatchEvent(m CaseMatchEvent) Event {
	if m.TS.IsZero() {
		m.TS = time.Now()
	}
	return Event{Type: EventCaseMatch, CaseMatch: &m}
}

func NewCaseErrorEvent(e CaseErrorEvent) Event {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	return Event{Type: EventCaseError, CaseError: &e}
}

func NewProfileStatusEvent(p ProfileStatusEvent) Event {
	if p.TS.IsZero() {
		p.TS = time.Now()
	}
	return Event{Type: EventProfileStatus, ProfileStatus: &p}
}

func NewProfileAutoDisabledEvent(p ProfileAutoDisabledEvent) Event {
	if p.TS.IsZero() {
		p.TS = time.Now()
	}
	return Event{Type: EventProfileAutoDisabled, ProfileAutoDisabled: &p}
}

func NewGroupStatusEvent(g GroupStatusEvent) Event {
	if g.TS.IsZero() {
		g.TS = time.Now()
	}
	return Event{Type: EventGroupStatus, GroupStatus: &g}
}

func NewSnapshotEvent(s Snapshot) Event {
	if s.TS.IsZero() {
		s.TS = time.Now()
	}
	return Event{Type: EventSnapshot, Snapshot: &s}
}
