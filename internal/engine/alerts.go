// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/fr4nsys/runwatch/internal/models"
)

// Observation is the gating decision for one case match.
type Observation struct {
	State      models.CaseState
	Prev       models.CaseState
	Transition bool
	// Escalation is set when an unhealthy state has persisted past the
	// runner's escalation interval and a reminder is due.
	Escalation bool
	// Deliver is false for matches that only record state (STOP).
	Deliver bool
	// Recovered is set on a transition from an unhealthy state to UP.
	Recovered bool
}

type stateKey struct{ runnerID, caseID string }

type sentKey struct{ runnerID, caseID, profileID string }

type caseTrack struct {
	state        models.CaseState
	since        time.Time
	lastReminder time.Time
}

// AlertTracker remembers per-case semantic state and per-profile delivery
// times, implementing cooldown, escalation and transition detection.
// State survives across runs: a DOWN remembered from the previous run
// still suppresses an identical DOWN in the next one.
type AlertTracker struct {
	mu     sync.Mutex
	states map[stateKey]*caseTrack
	sent   map[sentKey]time.Time
	now    func() time.Time
}

// NewAlertTracker creates an empty tracker.
func NewAlertTracker() *AlertTracker {
	return &AlertTracker{
		states: make(map[stateKey]*caseTrack),
		sent:   make(map[sentKey]time.Time),
		now:    time.Now,
	}
}

// Observe records a case match and classifies it. escalation is the
// runner's reminder interval; zero disables reminders.
func (t *AlertTracker) Observe(runnerID, caseID string, state models.CaseState, escalation time.Duration) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	obs := Observation{State: state, Deliver: state != models.StateStop}

	if state == models.StateNone {
		// Stateless matches carry no transition semantics; cooldown alone
		// gates repeats.
		return obs
	}

	key := stateKey{runnerID, caseID}
	track, known := t.states[key]
	if !known {
		track = &caseTrack{state: state, since: now}
		t.states[key] = track
		obs.Transition = true
		return obs
	}

	obs.Prev = track.state
	if track.state != state {
		obs.Transition = true
		obs.Recovered = track.state.Unhealthy() && state == models.StateUp
		track.state = state
		track.since = now
		track.lastReminder = time.Time{}
		return obs
	}

	// Repeat of the remembered state.
	if state.Unhealthy() && escalation > 0 {
		anchor := track.since
		if track.lastReminder.After(anchor) {
			anchor = track.lastReminder
		}
		if now.Sub(anchor) >= escalation {
			obs.Escalation = true
		}
	}
	return obs
}

// AllowedProfiles filters profileIDs down to those cooldown permits now.
// Transitions and escalation reminders bypass cooldown entirely.
func (t *AlertTracker) AllowedProfiles(runnerID, caseID string, profileIDs []string, obs Observation, cooldown time.Duration) []string {
	if obs.Transition || obs.Escalation || cooldown <= 0 {
		return profileIDs
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	var allowed []string
	for _, id := range profileIDs {
		last, ok := t.sent[sentKey{runnerID, caseID, id}]
		if !ok || now.Sub(last) >= cooldown {
			allowed = append(allowed, id)
		}
	}
	return allowed
}

// RecordDelivered stamps the cooldown clock for the profiles that were
// delivered successfully and resets the escalation interval when a
// reminder just fired.
func (t *AlertTracker) RecordDelivered(runnerID, caseID string, profileIDs []string, escalation bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, id := range profileIDs {
		t.sent[sentKey{runnerID, caseID, id}] = now
	}
	if escalation {
		if track, ok := t.states[stateKey{runnerID, caseID}]; ok {
			track.lastReminder = now
		}
	}
}

// Forget drops all remembered state for a runner. Called when the runner
// definition is deleted or its cases are replaced.
func (t *AlertTracker) Forget(runnerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.states {
		if k.runnerID == runnerID {
			delete(t.states, k)
		}
	}
	for k := range t.sent {
		if k.runnerID == runnerID {
			delete(t.sent, k)
		}
	}
}

// DecorateMessage applies the recovery and escalation prefixes the alert
// stream uses to distinguish reminders from fresh transitions.
func DecorateMessage(obs Observation, message string) string {
	switch {
	case obs.Recovered:
		return "RECOVERY: " + message
	case obs.Escalation:
		return fmt.Sprintf("ESCALATION (%s): %s", obs.State, message)
	default:
		return message
	}
}
