// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/crypto"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/store"
)

// Store persists the definition set as a single JSONB document plus
// relational journal and runtime-status tables. Document reads/writes
// are serialized by the single-row primary key.
type Store struct {
	db    *sqlx.DB
	vault *crypto.Vault
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an open connection pool.
func NewStore(db *sqlx.DB, vault *crypto.Vault) *Store {
	return &Store{db: db, vault: vault}
}

func (s *Store) State(ctx context.Context) (models.State, error) {
	return s.loadState(ctx, s.db)
}

func (s *Store) SaveState(ctx context.Context, next models.State) (models.State, error) {
	next = next.Copy()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return models.State{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.State{}, errors.Wrap(err, errors.CodeInternal, "begin state save")
	}
	defer tx.Rollback()

	prev, err := s.loadState(ctx, tx)
	if err != nil {
		return models.State{}, err
	}
	if err := store.ResolveSecrets(&next, prev, s.vault); err != nil {
		return models.State{}, err
	}
	store.ReactivationResets(&next, prev)

	if err := s.writeState(ctx, tx, next); err != nil {
		return models.State{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.State{}, errors.Wrap(err, errors.CodeInternal, "commit state save")
	}
	return next, nil
}

func (s *Store) Runner(ctx context.Context, id string) (models.Runner, error) {
	state, err := s.loadState(ctx, s.db)
	if err != nil {
		return models.Runner{}, err
	}
	r, ok := state.Runner(id)
	if !ok {
		return models.Runner{}, errors.NotFound("runner")
	}
	return *r, nil
}

func (s *Store) Group(ctx context.Context, id string) (models.RunnerGroup, error) {
	state, err := s.loadState(ctx, s.db)
	if err != nil {
		return models.RunnerGroup{}, err
	}
	g, ok := state.Group(id)
	if !ok {
		return models.RunnerGroup{}, errors.NotFound("group")
	}
	return *g, nil
}

func (s *Store) Profile(ctx context.Context, id string) (models.NotificationProfile, error) {
	state, err := s.loadState(ctx, s.db)
	if err != nil {
		return models.NotificationProfile{}, err
	}
	p, ok := state.Profile(id)
	if !ok {
		return models.NotificationProfile{}, errors.NotFound("notification profile")
	}
	return *p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, profile models.NotificationProfile) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "begin profile update")
	}
	defer tx.Rollback()

	state, err := s.loadState(ctx, tx)
	if err != nil {
		return err
	}
	stored, ok := state.Profile(profile.ID)
	if !ok {
		return errors.NotFound("notification profile")
	}
	stored.Active = profile.Active
	stored.FailureCount = profile.FailureCount
	stored.SentCount = profile.SentCount

	if err := s.writeState(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "commit profile update")
	}
	return nil
}

func (s *Store) CloneRunner(ctx context.Context, id string) (models.Runner, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Runner{}, errors.Wrap(err, errors.CodeInternal, "begin clone")
	}
	defer tx.Rollback()

	state, err := s.loadState(ctx, tx)
	if err != nil {
		return models.Runner{}, err
	}
	dup, err := store.CloneIntoState(&state, id)
	if err != nil {
		return models.Runner{}, err
	}
	if err := s.writeState(ctx, tx, state); err != nil {
		return models.Runner{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Runner{}, errors.Wrap(err, errors.CodeInternal, "commit clone")
	}
	return dup, nil
}

func (s *Store) AppendJournal(ctx context.Context, entry models.JournalEntry) error {
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (ts, runner_id, profile_id, profile_name, delivery, title, message, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.TS, entry.RunnerID, entry.ProfileID, entry.ProfileName,
		entry.Delivery, entry.Title, entry.Message, entry.Error)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "append journal entry")
	}

	// Keep the journal bounded; eviction piggybacks on the write path.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM journal
		WHERE id <= (SELECT MAX(id) FROM journal) - $1`, models.JournalBound)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "evict journal overflow")
	}
	return nil
}

func (s *Store) Journal(ctx context.Context, filter models.JournalFilter) ([]models.JournalEntry, error) {
	query := `SELECT ts, runner_id, profile_id, profile_name, delivery, title, message, error FROM journal`
	var conds []string
	var args []interface{}
	if filter.RunnerID != "" {
		args = append(args, filter.RunnerID)
		conds = append(conds, "runner_id = $"+strconv.Itoa(len(args)))
	}
	if filter.ProfileID != "" {
		args = append(args, filter.ProfileID)
		conds = append(conds, "profile_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Delivery != "" {
		args = append(args, string(filter.Delivery))
		conds = append(conds, "delivery = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	var entries []models.JournalEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "query journal")
	}
	return entries, nil
}

func (s *Store) ClearJournal(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM journal`); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "clear journal")
	}
	return nil
}

func (s *Store) RuntimeStatuses(ctx context.Context) ([]models.RuntimeStatus, error) {
	var statuses []models.RuntimeStatus
	err := s.db.SelectContext(ctx, &statuses, `
		SELECT runner_id, last_case, last_case_ts, last_finished_at, remaining
		FROM runtime_status`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "query runtime statuses")
	}
	return statuses, nil
}

func (s *Store) SaveRuntimeStatus(ctx context.Context, status models.RuntimeStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_status (runner_id, last_case, last_case_ts, last_finished_at, remaining)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (runner_id) DO UPDATE SET
			last_case        = EXCLUDED.last_case,
			last_case_ts     = EXCLUDED.last_case_ts,
			last_finished_at = EXCLUDED.last_finished_at,
			remaining        = EXCLUDED.remaining`,
		status.RunnerID, status.LastCase, status.LastCaseTS,
		status.LastFinishedAt, status.Remaining)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "save runtime status")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// queryer covers both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) loadState(ctx context.Context, q queryer) (models.State, error) {
	var raw []byte
	err := q.GetContext(ctx, &raw, `SELECT doc FROM state WHERE id = 1`)
	if err == sql.ErrNoRows {
		return models.State{}, nil
	}
	if err != nil {
		return models.State{}, errors.Wrap(err, errors.CodeInternal, "load state document")
	}
	var state models.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return models.State{}, errors.Wrap(err, errors.CodeInternal, "decode state document")
	}
	return state, nil
}

func (s *Store) writeState(ctx context.Context, q queryer, state models.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode state document")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO state (id, doc, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		raw)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "write state document")
	}
	return nil
}
