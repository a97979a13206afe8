// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package store defines the persistence surface for the definition set,
// the notification journal, and runtime status snapshots.
package store

import (
	"context"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/crypto"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

// Store is the persistence surface shared by the engine, the dispatcher,
// and the HTTP handlers. Credential values are stored sealed; State and
// the entity getters return them as stored.
type Store interface {
	// State returns the full definition set.
	State(ctx context.Context) (models.State, error)
	// SaveState validates, normalizes, resolves masked credentials against
	// the previously stored set, and persists the result. The saved state
	// is returned.
	SaveState(ctx context.Context, next models.State) (models.State, error)

	Runner(ctx context.Context, id string) (models.Runner, error)
	Group(ctx context.Context, id string) (models.RunnerGroup, error)
	Profile(ctx context.Context, id string) (models.NotificationProfile, error)
	// UpdateProfile persists delivery counters and the active flag for an
	// existing profile. Credentials are not touched.
	UpdateProfile(ctx context.Context, profile models.NotificationProfile) error

	// CloneRunner duplicates a runner under a fresh id and a derived unique
	// name, inserting the copy immediately after the source in the layout.
	CloneRunner(ctx context.Context, id string) (models.Runner, error)

	AppendJournal(ctx context.Context, entry models.JournalEntry) error
	Journal(ctx context.Context, filter models.JournalFilter) ([]models.JournalEntry, error)
	ClearJournal(ctx context.Context) error

	RuntimeStatuses(ctx context.Context) ([]models.RuntimeStatus, error)
	SaveRuntimeStatus(ctx context.Context, status models.RuntimeStatus) error

	Close() error
}

// ResolveSecrets rewrites credential values in next for persistence:
// values equal to models.MaskedSecret keep the previously stored
// ciphertext, and new plaintext values are sealed through the vault.
// Shared by every Store implementation so the masking contract cannot
// drift between backends.
func ResolveSecrets(next *models.State, prev models.State, vault *crypto.Vault) error {
	for i := range next.Profiles {
		p := &next.Profiles[i]
		var stored *models.NotificationProfile
		if sp, ok := prev.Profile(p.ID); ok {
			stored = sp
		}
		for key, value := range p.Config {
			switch {
			case value == models.MaskedSecret:
				if stored == nil {
					return errors.Newf(errors.CodeValidation,
						"profile %q sends a masked value for %q but has no stored credential", p.Name, key)
				}
				p.Config[key] = stored.Config[key]
			case value == "" || crypto.IsSealed(value):
				// Stored as-is.
			default:
				sealed, err := vault.Seal(value)
				if err != nil {
					return errors.Wrapf(err, errors.CodeInternal, "seal credential %q for profile %q", key, p.Name)
				}
				p.Config[key] = sealed
			}
		}
	}
	return nil
}

// ReactivationResets clears the failure counter of profiles whose active
// flag was switched back on by this save, so a re-enabled profile starts
// with a clean auto-disable budget.
func ReactivationResets(next *models.State, prev models.State) {
	for i := range next.Profiles {
		p := &next.Profiles[i]
		if !p.Active {
			continue
		}
		if stored, ok := prev.Profile(p.ID); ok && !stored.Active {
			p.FailureCount = 0
		}
	}
}

// CloneIntoState performs the shared clone transformation on a state
// document: duplicate the source runner, insert the copy right after it
// in both the runner list and the layout. The mutated state and the new
// runner are returned.
func CloneIntoState(state *models.State, sourceID string) (models.Runner, error) {
	source, ok := state.Runner(sourceID)
	if !ok {
		return models.Runner{}, errors.NotFound("runner")
	}
	names := make([]string, 0, len(state.Runners))
	for _, r := range state.Runners {
		names = append(names, r.Name)
	}
	dup := source.Clone(names)

	runners := make([]models.Runner, 0, len(state.Runners)+1)
	for _, r := range state.Runners {
		runners = append(runners, r)
		if r.ID == sourceID {
			runners = append(runners, *dup)
		}
	}
	state.Runners = runners

	item := models.LayoutItem{Kind: models.LayoutRunner, ID: dup.ID}
	layout := make([]models.LayoutItem, 0, len(state.Layout)+1)
	inserted := false
	for _, li := range state.Layout {
		layout = append(layout, li)
		if li.Kind == models.LayoutRunner && li.ID == sourceID {
			layout = append(layout, item)
			inserted = true
		}
	}
	if !inserted {
		layout = append(layout, item)
	}
	state.Layout = layout

	return *dup, nil
}
