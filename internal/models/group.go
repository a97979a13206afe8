// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package models

import (
	"strings"

	"github.com/google/uuid"

	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

// GroupPhase is the lifecycle state of a group run.
type GroupPhase string

const (
	GroupIdle     GroupPhase = "idle"
	GroupStarted  GroupPhase = "started"
	GroupStopping GroupPhase = "stopping"
	GroupStopped  GroupPhase = "stopped"
	GroupFinished GroupPhase = "finished"
	GroupError    GroupPhase = "error"
)

// RunnerGroup is an ordered set of runner references executed sequentially
// as one logical operation.
type RunnerGroup struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	// RunnerIDs is the ordered member list, no duplicates.
	RunnerIDs []string `json:"runner_ids" yaml:"runner_ids"`
	// DisabledRunnerIDs are members excluded from the next group run while
	// remaining individually runnable. Always a subset of RunnerIDs.
	DisabledRunnerIDs []string `json:"disabled_runner_ids" yaml:"disabled_runner_ids"`
}

// NewGroupID returns a fresh group identifier.
func NewGroupID() string { return "group_" + uuid.New().String() }

// Normalize fills defaults, removes duplicate members, and drops disabled
// ids that are not members.
func (g *RunnerGroup) Normalize() {
	if strings.TrimSpace(g.ID) == "" {
		g.ID = NewGroupID()
	}
	if strings.TrimSpace(g.Name) == "" {
		g.Name = "Group"
	}
	seen := make(map[string]struct{}, len(g.RunnerIDs))
	members := g.RunnerIDs[:0]
	for _, id := range g.RunnerIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	g.RunnerIDs = members

	disabled := g.DisabledRunnerIDs[:0]
	for _, id := range g.DisabledRunnerIDs {
		if _, ok := seen[strings.TrimSpace(id)]; ok {
			disabled = append(disabled, strings.TrimSpace(id))
		}
	}
	g.DisabledRunnerIDs = disabled
}

// Validate checks member references against the known runner id set.
func (g *RunnerGroup) Validate(runnerIDs map[string]struct{}) error {
	for _, id := range g.RunnerIDs {
		if _, ok := runnerIDs[id]; !ok {
			return errors.Newf(errors.CodeValidation, "group %q references unknown runner %q", g.Name, id)
		}
	}
	return nil
}

// EnabledMembers returns RunnerIDs minus DisabledRunnerIDs, in order.
func (g *RunnerGroup) EnabledMembers() []string {
	disabled := make(map[string]struct{}, len(g.DisabledRunnerIDs))
	for _, id := range g.DisabledRunnerIDs {
		disabled[id] = struct{}{}
	}
	var enabled []string
	for _, id := range g.RunnerIDs {
		if _, off := disabled[id]; !off {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// LayoutKind distinguishes top-level layout entries.
type LayoutKind string

const (
	LayoutRunner LayoutKind = "runner"
	LayoutGroup  LayoutKind = "group"
)

// LayoutItem orders top-level runners and groups for presentation. Layout is
// tracked separately from group membership.
type LayoutItem struct {
	Kind LayoutKind `json:"kind" yaml:"kind"`
	ID   string     `json:"id" yaml:"id"`
}
