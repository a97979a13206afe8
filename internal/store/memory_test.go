// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/crypto"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

func newTestVault(t *testing.T) *crypto.Vault {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error: %v", err)
	}
	return crypto.NewVault(enc)
}

func seedState() models.State {
	return models.State{
		Profiles: []models.NotificationProfile{{
			ID:     "notify_1",
			Name:   "oncall",
			Type:   models.ProfileTypePushover,
			Active: true,
			Config: map[string]string{"user_key": "u-secret", "api_token": "t-secret"},
		}},
		Runners: []models.Runner{
			{ID: "runner_1", Name: "web check", Command: "curl -fsS localhost", MaxRuns: models.MaxRunsUnlimited},
			{ID: "runner_2", Name: "db check", Command: "pg_isready", MaxRuns: models.MaxRunsUnlimited},
		},
		Groups: []models.RunnerGroup{{
			ID: "group_1", Name: "all checks", RunnerIDs: []string{"runner_1", "runner_2"},
		}},
	}
}

// ============================================================================
// SaveState
// ============================================================================

func TestSaveState_SealsNewCredentials(t *testing.T) {
	vault := newTestVault(t)
	m := NewMemory(vault)

	saved, err := m.SaveState(context.Background(), seedState())
	if err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}

	cfg := saved.Profiles[0].Config
	if !crypto.IsSealed(cfg["user_key"]) || !crypto.IsSealed(cfg["api_token"]) {
		t.Fatalf("credentials not sealed: %v", cfg)
	}
	if got, err := vault.Open(cfg["user_key"]); err != nil || got != "u-secret" {
		t.Errorf("Open(user_key) = %q, %v", got, err)
	}
}

func TestSaveState_MaskedValueKeepsStoredCiphertext(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()

	first, err := m.SaveState(ctx, seedState())
	if err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}
	sealed := first.Profiles[0].Config["user_key"]

	// A client round-trips the masked view.
	next := first.Copy()
	next.Profiles[0].Config["user_key"] = models.MaskedSecret
	next.Profiles[0].Config["api_token"] = models.MaskedSecret

	second, err := m.SaveState(ctx, next)
	if err != nil {
		t.Fatalf("second SaveState() error: %v", err)
	}
	if got := second.Profiles[0].Config["user_key"]; got != sealed {
		t.Errorf("masked save replaced ciphertext: %q != %q", got, sealed)
	}
}

func TestSaveState_MaskedValueWithoutStoredProfileRejected(t *testing.T) {
	m := NewMemory(newTestVault(t))
	state := seedState()
	state.Profiles[0].Config["user_key"] = models.MaskedSecret

	if _, err := m.SaveState(context.Background(), state); !errors.IsValidation(err) {
		t.Errorf("SaveState() = %v, want validation error", err)
	}
}

func TestSaveState_ReactivationResetsFailureCount(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()

	state := seedState()
	state.Profiles[0].Active = false
	state.Profiles[0].FailureCount = 3
	if _, err := m.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}

	state.Profiles[0].Active = true
	state.Profiles[0].Config = map[string]string{"user_key": models.MaskedSecret, "api_token": models.MaskedSecret}
	saved, err := m.SaveState(ctx, state)
	if err != nil {
		t.Fatalf("reactivation SaveState() error: %v", err)
	}
	if got := saved.Profiles[0].FailureCount; got != 0 {
		t.Errorf("FailureCount = %d, want 0 after reactivation", got)
	}
}

func TestSaveState_PrunesDanglingReferences(t *testing.T) {
	m := NewMemory(newTestVault(t))
	state := seedState()
	state.Runners[0].NotifyProfileIDs = []string{"notify_1", "notify_gone"}
	state.Groups[0].RunnerIDs = append(state.Groups[0].RunnerIDs, "runner_gone")

	saved, err := m.SaveState(context.Background(), state)
	if err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}
	if got := saved.Runners[0].NotifyProfileIDs; len(got) != 1 || got[0] != "notify_1" {
		t.Errorf("NotifyProfileIDs = %v", got)
	}
	if got := saved.Groups[0].RunnerIDs; len(got) != 2 {
		t.Errorf("group members = %v, dangling id kept", got)
	}
	if len(saved.Layout) != 3 {
		t.Errorf("layout = %v, want one item per entity", saved.Layout)
	}
}

func TestSaveState_DuplicateRunnerIDRejected(t *testing.T) {
	m := NewMemory(newTestVault(t))
	state := seedState()
	state.Runners[1].ID = state.Runners[0].ID

	_, err := m.SaveState(context.Background(), state)
	if appErr, ok := errors.GetAppError(err); !ok || appErr.Code != errors.CodeConflict {
		t.Errorf("SaveState() = %v, want conflict", err)
	}
}

// ============================================================================
// Clone
// ============================================================================

func TestCloneRunner_InsertedAfterSource(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()
	if _, err := m.SaveState(ctx, seedState()); err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}

	dup, err := m.CloneRunner(ctx, "runner_1")
	if err != nil {
		t.Fatalf("CloneRunner() error: %v", err)
	}
	if dup.ID == "runner_1" {
		t.Error("clone kept the source id")
	}
	if dup.Name != "web check (copy)" {
		t.Errorf("clone name = %q", dup.Name)
	}

	state, _ := m.State(ctx)
	ids := make([]string, 0, len(state.Runners))
	for _, r := range state.Runners {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != fmt.Sprint([]string{"runner_1", dup.ID, "runner_2"}) {
		t.Errorf("runner order = %v, clone not adjacent to source", ids)
	}
	if state.Layout[1] != (models.LayoutItem{Kind: models.LayoutRunner, ID: dup.ID}) {
		t.Errorf("layout = %v, clone not adjacent in layout", state.Layout)
	}

	// Cloning again derives the next free name.
	dup2, err := m.CloneRunner(ctx, "runner_1")
	if err != nil {
		t.Fatalf("second CloneRunner() error: %v", err)
	}
	if dup2.Name != "web check (copy 2)" {
		t.Errorf("second clone name = %q", dup2.Name)
	}
}

func TestCloneRunner_UnknownSource(t *testing.T) {
	m := NewMemory(newTestVault(t))
	if _, err := m.CloneRunner(context.Background(), "nope"); !errors.IsNotFound(err) {
		t.Errorf("CloneRunner() = %v, want not found", err)
	}
}

// ============================================================================
// Journal
// ============================================================================

func TestJournal_BoundEvictsOldest(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()

	for i := 0; i < models.JournalBound+10; i++ {
		entry := models.JournalEntry{
			TS:       time.Now(),
			RunnerID: fmt.Sprintf("runner_%d", i),
			Delivery: models.DeliverySuccess,
			Message:  fmt.Sprintf("entry %d", i),
		}
		if err := m.AppendJournal(ctx, entry); err != nil {
			t.Fatalf("AppendJournal() error: %v", err)
		}
	}

	all, err := m.Journal(ctx, models.JournalFilter{})
	if err != nil {
		t.Fatalf("Journal() error: %v", err)
	}
	if len(all) != models.JournalBound {
		t.Fatalf("journal length = %d, want %d", len(all), models.JournalBound)
	}
	// Newest first; the oldest 10 were evicted.
	if !strings.Contains(all[0].Message, fmt.Sprint(models.JournalBound+9)) {
		t.Errorf("newest entry = %q", all[0].Message)
	}
	if all[len(all)-1].Message != "entry 10" {
		t.Errorf("oldest surviving entry = %q", all[len(all)-1].Message)
	}
}

func TestJournal_Filters(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()

	entries := []models.JournalEntry{
		{RunnerID: "r1", ProfileID: "p1", Delivery: models.DeliverySuccess},
		{RunnerID: "r1", ProfileID: "p2", Delivery: models.DeliveryError},
		{RunnerID: "r2", ProfileID: "p1", Delivery: models.DeliverySuccess},
		{RunnerID: "r2", ProfileID: "p1", Delivery: models.DeliveryInfo},
	}
	for _, e := range entries {
		if err := m.AppendJournal(ctx, e); err != nil {
			t.Fatalf("AppendJournal() error: %v", err)
		}
	}

	byRunner, _ := m.Journal(ctx, models.JournalFilter{RunnerID: "r1"})
	if len(byRunner) != 2 {
		t.Errorf("runner filter = %d entries, want 2", len(byRunner))
	}
	byKind, _ := m.Journal(ctx, models.JournalFilter{Delivery: models.DeliveryError})
	if len(byKind) != 1 || byKind[0].ProfileID != "p2" {
		t.Errorf("delivery filter = %v", byKind)
	}
	limited, _ := m.Journal(ctx, models.JournalFilter{ProfileID: "p1", Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit filter = %d entries, want 2", len(limited))
	}

	if err := m.ClearJournal(ctx); err != nil {
		t.Fatalf("ClearJournal() error: %v", err)
	}
	if rest, _ := m.Journal(ctx, models.JournalFilter{}); len(rest) != 0 {
		t.Errorf("journal not cleared: %v", rest)
	}
}

// ============================================================================
// Runtime status / profile counters
// ============================================================================

func TestRuntimeStatus_RoundTrip(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()

	finished := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	remaining := 4
	st := models.RuntimeStatus{
		RunnerID:       "runner_1",
		LastCase:       "Code 503",
		LastCaseTS:     "2026-03-01T08:00:00Z",
		LastFinishedAt: &finished,
		Remaining:      &remaining,
	}
	if err := m.SaveRuntimeStatus(ctx, st); err != nil {
		t.Fatalf("SaveRuntimeStatus() error: %v", err)
	}

	all, err := m.RuntimeStatuses(ctx)
	if err != nil {
		t.Fatalf("RuntimeStatuses() error: %v", err)
	}
	if len(all) != 1 || all[0].LastCase != "Code 503" || *all[0].Remaining != 4 {
		t.Errorf("statuses = %+v", all)
	}
}

func TestUpdateProfile_CountersOnly(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()
	saved, err := m.SaveState(ctx, seedState())
	if err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}
	sealed := saved.Profiles[0].Config["user_key"]

	p := saved.Profiles[0]
	p.Active = false
	p.FailureCount = 3
	p.SentCount = 17
	p.Config = map[string]string{"user_key": "tampered"}
	if err := m.UpdateProfile(ctx, p); err != nil {
		t.Fatalf("UpdateProfile() error: %v", err)
	}

	got, err := m.Profile(ctx, p.ID)
	if err != nil {
		t.Fatalf("Profile() error: %v", err)
	}
	if got.Active || got.FailureCount != 3 || got.SentCount != 17 {
		t.Errorf("counters not updated: %+v", got)
	}
	if got.Config["user_key"] != sealed {
		t.Error("UpdateProfile must not touch credentials")
	}
}

func TestState_ReturnsIsolatedCopy(t *testing.T) {
	m := NewMemory(newTestVault(t))
	ctx := context.Background()
	if _, err := m.SaveState(ctx, seedState()); err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}

	first, _ := m.State(ctx)
	first.Runners[0].Command = "rm -rf /"
	first.Profiles[0].Config["user_key"] = "clobbered"

	second, _ := m.State(ctx)
	if second.Runners[0].Command != "curl -fsS localhost" {
		t.Error("caller mutation leaked into the store")
	}
	if second.Profiles[0].Config["user_key"] == "clobbered" {
		t.Error("config map aliased to the stored document")
	}
}
