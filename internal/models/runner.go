// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package models defines the core domain types for runwatch: runners,
// detection cases, notification profiles, groups, and the event union
// published over the live feed.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

// MaxRunsUnlimited marks a runner that repeats until stopped or paused.
const MaxRunsUnlimited = -1

// MaxRunsCap is the upper bound for a finite run count.
const MaxRunsCap = 100

// CaseState is the semantic state a case match implies.
type CaseState string

const (
	StateNone CaseState = ""
	StateUp   CaseState = "UP"
	StateDown CaseState = "DOWN"
	StateWarn CaseState = "WARN"
	StateInfo CaseState = "INFO"
	// StateStop records a new remembered state without triggering delivery,
	// suppressing further alerts for the case until the state changes again.
	StateStop CaseState = "STOP"
)

// NormalizeCaseState parses a free-form state string. Unknown values map to
// StateNone (no semantic state).
func NormalizeCaseState(s string) CaseState {
	switch CaseState(strings.ToUpper(strings.TrimSpace(s))) {
	case StateUp:
		return StateUp
	case StateDown:
		return StateDown
	case StateWarn:
		return StateWarn
	case StateInfo:
		return StateInfo
	case StateStop:
		return StateStop
	default:
		return StateNone
	}
}

// Unhealthy reports whether the state should keep alerting while it persists.
func (s CaseState) Unhealthy() bool {
	return s == StateDown || s == StateWarn
}

// Schedule is a rerun interval. All zero means one-shot.
type Schedule struct {
	Hours   int `json:"hours" yaml:"hours"`
	Minutes int `json:"minutes" yaml:"minutes"`
	Seconds int `json:"seconds" yaml:"seconds"`
}

// Interval returns the schedule as a duration, never negative.
func (s Schedule) Interval() time.Duration {
	total := s.Hours*3600 + s.Minutes*60 + s.Seconds
	if total < 0 {
		return 0
	}
	return time.Duration(total) * time.Second
}

// IsZero reports whether the runner is one-shot.
func (s Schedule) IsZero() bool {
	return s.Interval() == 0
}

// Case is a regex detection rule owned by exactly one runner.
type Case struct {
	ID              string    `json:"id" yaml:"id"`
	Pattern         string    `json:"pattern" yaml:"pattern"`
	MessageTemplate string    `json:"message_template" yaml:"message_template"`
	State           CaseState `json:"state" yaml:"state"`
}

// IsSentinel reports whether the case is the "send last output line on run
// completion" marker: both pattern and template empty.
func (c Case) IsSentinel() bool {
	return strings.TrimSpace(c.Pattern) == "" && strings.TrimSpace(c.MessageTemplate) == ""
}

// Runner is a reusable execution definition.
type Runner struct {
	ID                    string   `json:"id" yaml:"id"`
	Name                  string   `json:"name" yaml:"name"`
	Command               string   `json:"command" yaml:"command"`
	LoggingEnabled        bool     `json:"logging_enabled" yaml:"logging_enabled"`
	Schedule              Schedule `json:"schedule" yaml:"schedule"`
	MaxRuns               int      `json:"max_runs" yaml:"max_runs"`
	AlertCooldownS        int      `json:"alert_cooldown_s" yaml:"alert_cooldown_s"`
	AlertEscalationS      int      `json:"alert_escalation_s" yaml:"alert_escalation_s"`
	FailurePauseThreshold int      `json:"failure_pause_threshold" yaml:"failure_pause_threshold"`
	Cases                 []Case   `json:"cases" yaml:"cases"`

	// NotifyProfileIDs resolves which profiles receive case notifications.
	// NotifyProfileUpdatesOnly is a subset that only receives a message when
	// it differs from the last one delivered to that profile for this runner.
	NotifyProfileIDs         []string `json:"notify_profile_ids" yaml:"notify_profile_ids"`
	NotifyProfileUpdatesOnly []string `json:"notify_profile_updates_only" yaml:"notify_profile_updates_only"`
}

// NewRunnerID returns a fresh runner identifier.
func NewRunnerID() string { return "runner_" + uuid.New().String() }

// NewCaseID returns a fresh case identifier.
func NewCaseID() string { return "case_" + uuid.New().String() }

// Normalize fills defaults and clamps numeric fields in place.
func (r *Runner) Normalize() {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = NewRunnerID()
	}
	if strings.TrimSpace(r.Name) == "" {
		r.Name = "Runner"
	}
	if r.MaxRuns != MaxRunsUnlimited {
		if r.MaxRuns < 1 {
			r.MaxRuns = 1
		}
		if r.MaxRuns > MaxRunsCap {
			r.MaxRuns = MaxRunsCap
		}
	}
	if r.AlertCooldownS < 0 {
		r.AlertCooldownS = 0
	}
	if r.AlertEscalationS < 0 {
		r.AlertEscalationS = 0
	}
	if r.FailurePauseThreshold < 0 {
		r.FailurePauseThreshold = 0
	}
	for i := range r.Cases {
		if strings.TrimSpace(r.Cases[i].ID) == "" {
			r.Cases[i].ID = NewCaseID()
		}
		r.Cases[i].State = NormalizeCaseState(string(r.Cases[i].State))
	}
}

// Validate checks the definition for save/run. Runtime regex compilation
// errors are reported per case during execution, not here.
func (r *Runner) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New(errors.CodeValidation, "runner id is required")
	}
	if strings.TrimSpace(r.Command) == "" {
		return errors.Newf(errors.CodeValidation, "runner %q has no command", r.Name)
	}
	if r.MaxRuns != MaxRunsUnlimited && (r.MaxRuns < 1 || r.MaxRuns > MaxRunsCap) {
		return errors.Newf(errors.CodeValidation, "max_runs must be -1 or 1..%d", MaxRunsCap)
	}
	return nil
}

// DisplayName returns the name, falling back to the id.
func (r *Runner) DisplayName() string {
	if n := strings.TrimSpace(r.Name); n != "" {
		return n
	}
	return r.ID
}

// HasSentinelCase reports whether any case requests the last-line-on-finish
// notification.
func (r *Runner) HasSentinelCase() bool {
	for _, c := range r.Cases {
		if c.IsSentinel() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy with fresh runner and case ids and a unique
// name derived from the source. Runtime fields are not part of the
// definition and therefore reset implicitly.
func (r *Runner) Clone(existingNames []string) *Runner {
	dup := *r
	dup.ID = NewRunnerID()
	dup.Name = nextCloneName(r.Name, existingNames)
	dup.Cases = make([]Case, len(r.Cases))
	copy(dup.Cases, r.Cases)
	for i := range dup.Cases {
		dup.Cases[i].ID = NewCaseID()
	}
	dup.NotifyProfileIDs = append([]string(nil), r.NotifyProfileIDs...)
	dup.NotifyProfileUpdatesOnly = append([]string(nil), r.NotifyProfileUpdatesOnly...)
	return &dup
}

// nextCloneName derives "<base> (copy)", "<base> (copy 2)", ... avoiding the
// given names (case-insensitive).
func nextCloneName(base string, existing []string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "Runner"
	}
	taken := make(map[string]struct{}, len(existing))
	for _, n := range existing {
		taken[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	candidate := base + " (copy)"
	for i := 2; ; i++ {
		if _, ok := taken[strings.ToLower(candidate)]; !ok {
			return candidate
		}
		candidate = fmt.Sprintf("%s (copy %d)", base, i)
	}
}
