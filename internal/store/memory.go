// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package store

import (
	"context"
	"sync"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/crypto"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

// Memory is an in-process Store. It backs tests and single-node runs
// where no database is configured; all reads return deep copies so
// callers can never alias the stored document.
type Memory struct {
	vault *crypto.Vault

	mu       sync.RWMutex
	state    models.State
	journal  []models.JournalEntry
	statuses map[string]models.RuntimeStatus
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(vault *crypto.Vault) *Memory {
	return &Memory{
		vault:    vault,
		statuses: make(map[string]models.RuntimeStatus),
	}
}

func (m *Memory) State(_ context.Context) (models.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Copy(), nil
}

func (m *Memory) SaveState(_ context.Context, next models.State) (models.State, error) {
	next = next.Copy()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return models.State{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ResolveSecrets(&next, m.state, m.vault); err != nil {
		return models.State{}, err
	}
	ReactivationResets(&next, m.state)
	m.state = next
	return next.Copy(), nil
}

func (m *Memory) Runner(_ context.Context, id string) (models.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.state.Runner(id)
	if !ok {
		return models.Runner{}, errors.NotFound("runner")
	}
	return copyRunner(*r), nil
}

func (m *Memory) Group(_ context.Context, id string) (models.RunnerGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.state.Group(id)
	if !ok {
		return models.RunnerGroup{}, errors.NotFound("group")
	}
	dup := *g
	dup.RunnerIDs = append([]string(nil), g.RunnerIDs...)
	dup.DisabledRunnerIDs = append([]string(nil), g.DisabledRunnerIDs...)
	return dup, nil
}

func (m *Memory) Profile(_ context.Context, id string) (models.NotificationProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.Profile(id)
	if !ok {
		return models.NotificationProfile{}, errors.NotFound("notification profile")
	}
	return copyProfile(*p), nil
}

func (m *Memory) UpdateProfile(_ context.Context, profile models.NotificationProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.state.Profile(profile.ID)
	if !ok {
		return errors.NotFound("notification profile")
	}
	stored.Active = profile.Active
	stored.FailureCount = profile.FailureCount
	stored.SentCount = profile.SentCount
	return nil
}

func (m *Memory) CloneRunner(_ context.Context, id string) (models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup, err := CloneIntoState(&m.state, id)
	if err != nil {
		return models.Runner{}, err
	}
	return copyRunner(dup), nil
}

func (m *Memory) AppendJournal(_ context.Context, entry models.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, entry)
	if over := len(m.journal) - models.JournalBound; over > 0 {
		m.journal = append(m.journal[:0:0], m.journal[over:]...)
	}
	return nil
}

func (m *Memory) Journal(_ context.Context, filter models.JournalFilter) ([]models.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first.
	out := make([]models.JournalEntry, 0, len(m.journal))
	for i := len(m.journal) - 1; i >= 0; i-- {
		e := m.journal[i]
		if filter.RunnerID != "" && e.RunnerID != filter.RunnerID {
			continue
		}
		if filter.ProfileID != "" && e.ProfileID != filter.ProfileID {
			continue
		}
		if filter.Delivery != "" && e.Delivery != filter.Delivery {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ClearJournal(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = nil
	return nil
}

func (m *Memory) RuntimeStatuses(_ context.Context) ([]models.RuntimeStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RuntimeStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	return out, nil
}

func (m *Memory) SaveRuntimeStatus(_ context.Context, status models.RuntimeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.RunnerID] = status
	return nil
}

func (m *Memory) Close() error { return nil }

func copyRunner(r models.Runner) models.Runner {
	r.Cases = append([]models.Case(nil), r.Cases...)
	r.NotifyProfileIDs = append([]string(nil), r.NotifyProfileIDs...)
	r.NotifyProfileUpdatesOnly = append([]string(nil), r.NotifyProfileUpdatesOnly...)
	return r
}

func copyProfile(p models.NotificationProfile) models.NotificationProfile {
	cfg := make(map[string]string, len(p.Config))
	for k, v := range p.Config {
		cfg[k] = v
	}
	p.Config = cfg
	return p
}
