// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package models

import (
	"time"

	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

// State is the full persisted definition set.
type State struct {
	Profiles []NotificationProfile `json:"notify_profiles" yaml:"notify_profiles"`
	Runners  []Runner              `json:"runners" yaml:"runners"`
	Groups   []RunnerGroup         `json:"groups" yaml:"groups"`
	Layout   []LayoutItem          `json:"layout" yaml:"layout"`
}

// Normalize normalizes every entity, prunes dangling references, and
// rebuilds the layout so it covers exactly the known runners and groups.
func (s *State) Normalize() {
	for i := range s.Profiles {
		s.Profiles[i].Normalize()
	}
	for i := range s.Runners {
		s.Runners[i].Normalize()
	}

	profileIDs := make(map[string]struct{}, len(s.Profiles))
	for _, p := range s.Profiles {
		profileIDs[p.ID] = struct{}{}
	}
	for i := range s.Runners {
		r := &s.Runners[i]
		r.NotifyProfileIDs = intersect(r.NotifyProfileIDs, profileIDs)
		assigned := make(map[string]struct{}, len(r.NotifyProfileIDs))
		for _, id := range r.NotifyProfileIDs {
			assigned[id] = struct{}{}
		}
		r.NotifyProfileUpdatesOnly = intersect(r.NotifyProfileUpdatesOnly, assigned)
	}

	runnerIDs := make(map[string]struct{}, len(s.Runners))
	for _, r := range s.Runners {
		runnerIDs[r.ID] = struct{}{}
	}
	for i := range s.Groups {
		s.Groups[i].Normalize()
		members := s.Groups[i].RunnerIDs[:0]
		for _, id := range s.Groups[i].RunnerIDs {
			if _, ok := runnerIDs[id]; ok {
				members = append(members, id)
			}
		}
		s.Groups[i].RunnerIDs = members
		s.Groups[i].Normalize()
	}

	s.rebuildLayout()
}

// Validate checks the whole definition set for save.
func (s *State) Validate() error {
	for i := range s.Profiles {
		if err := s.Profiles[i].Validate(); err != nil {
			return err
		}
	}
	runnerIDs := make(map[string]struct{}, len(s.Runners))
	for _, r := range s.Runners {
		if _, dup := runnerIDs[r.ID]; dup {
			return errors.Newf(errors.CodeConflict, "duplicate runner id %q", r.ID)
		}
		runnerIDs[r.ID] = struct{}{}
	}
	for i := range s.Groups {
		if err := s.Groups[i].Validate(runnerIDs); err != nil {
			return err
		}
	}
	return nil
}

// Runner returns the runner with the given id.
func (s *State) Runner(id string) (*Runner, bool) {
	for i := range s.Runners {
		if s.Runners[i].ID == id {
			return &s.Runners[i], true
		}
	}
	return nil, false
}

// Group returns the group with the given id.
func (s *State) Group(id string) (*RunnerGroup, bool) {
	for i := range s.Groups {
		if s.Groups[i].ID == id {
			return &s.Groups[i], true
		}
	}
	return nil, false
}

// Profile returns the profile with the given id.
func (s *State) Profile(id string) (*NotificationProfile, bool) {
	for i := range s.Profiles {
		if s.Profiles[i].ID == id {
			return &s.Profiles[i], true
		}
	}
	return nil, false
}

// rebuildLayout keeps existing ordering, appends entities missing from the
// layout, and drops layout entries whose entity no longer exists.
func (s *State) rebuildLayout() {
	known := make(map[LayoutItem]struct{}, len(s.Runners)+len(s.Groups))
	for _, r := range s.Runners {
		known[LayoutItem{Kind: LayoutRunner, ID: r.ID}] = struct{}{}
	}
	for _, g := range s.Groups {
		known[LayoutItem{Kind: LayoutGroup, ID: g.ID}] = struct{}{}
	}

	kept := s.Layout[:0]
	seen := make(map[LayoutItem]struct{}, len(known))
	for _, item := range s.Layout {
		if _, ok := known[item]; !ok {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		kept = append(kept, item)
	}
	s.Layout = kept

	for _, r := range s.Runners {
		item := LayoutItem{Kind: LayoutRunner, ID: r.ID}
		if _, ok := seen[item]; !ok {
			s.Layout = append(s.Layout, item)
		}
	}
	for _, g := range s.Groups {
		item := LayoutItem{Kind: LayoutGroup, ID: g.ID}
		if _, ok := seen[item]; !ok {
			s.Layout = append(s.Layout, item)
		}
	}
}

// Copy returns a deep copy of the definition set.
func (s State) Copy() State {
	dup := State{
		Profiles: make([]NotificationProfile, len(s.Profiles)),
		Runners:  make([]Runner, len(s.Runners)),
		Groups:   make([]RunnerGroup, len(s.Groups)),
		Layout:   append([]LayoutItem(nil), s.Layout...),
	}
	for i, p := range s.Profiles {
		cfg := make(map[string]string, len(p.Config))
		for k, v := range p.Config {
			cfg[k] = v
		}
		p.Config = cfg
		dup.Profiles[i] = p
	}
	for i, r := range s.Runners {
		r.Cases = append([]Case(nil), r.Cases...)
		r.NotifyProfileIDs = append([]string(nil), r.NotifyProfileIDs...)
		r.NotifyProfileUpdatesOnly = append([]string(nil), r.NotifyProfileUpdatesOnly...)
		dup.Runners[i] = r
	}
	for i, g := range s.Groups {
		g.RunnerIDs = append([]string(nil), g.RunnerIDs...)
		g.DisabledRunnerIDs = append([]string(nil), g.DisabledRunnerIDs...)
		dup.Groups[i] = g
	}
	return dup
}

func intersect(ids []string, allowed map[string]struct{}) []string {
	kept := ids[:0]
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := allowed[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kept = append(kept, id)
	}
	return kept
}

// RuntimeStatus is the per-runner runtime material persisted across
// restarts: the last semantic case result and the scheduling anchor used to
// re-arm pending timers.
type RuntimeStatus struct {
	RunnerID       string     `json:"runner_id" db:"runner_id"`
	LastCase       string     `json:"last_case" db:"last_case"`
	LastCaseTS     string     `json:"last_case_ts" db:"last_case_ts"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty" db:"last_finished_at"`
	Remaining      *int       `json:"remaining,omitempty" db:"remaining"`
}
