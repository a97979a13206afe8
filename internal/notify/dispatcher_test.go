// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/notify/channels"
	"github.com/fr4nsys/runwatch/internal/pkg/crypto"
)

// ============================================================================
// Mocks
// ============================================================================

type mockStore struct {
	mu       sync.Mutex
	profiles map[string]models.NotificationProfile
	journal  []models.JournalEntry
}

func newMockStore(profiles ...models.NotificationProfile) *mockStore {
	s := &mockStore{profiles: make(map[string]models.NotificationProfile)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *mockStore) Profile(_ context.Context, id string) (models.NotificationProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return models.NotificationProfile{}, fmt.Errorf("profile %s not found", id)
	}
	return p, nil
}

func (s *mockStore) UpdateProfile(_ context.Context, p models.NotificationProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *mockStore) AppendJournal(_ context.Context, e models.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, e)
	return nil
}

type mockChannel struct {
	mu      sync.Mutex
	sendErr error
	sent    []channels.Message
	configs []map[string]string
}

func (c *mockChannel) Type() string                              { return "pushover" }
func (c *mockChannel) Configured(config map[string]string) bool { return config["api_token"] != "" }

func (c *mockChannel) Send(_ context.Context, config map[string]string, msg channels.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	c.configs = append(c.configs, config)
	return nil
}

type mockBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *mockBus) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *mockBus) byType(t models.EventType) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testVault(t *testing.T) *crypto.Vault {
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

func testProfile(id string) models.NotificationProfile {
	return models.NotificationProfile{
		ID:     id,
		Name:   "primary",
		Type:   models.ProfileTypePushover,
		Active: true,
		Config: map[string]string{"api_token": "t", "user_key": "u"},
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func TestDispatch_SuccessResetsFailuresAndCounts(t *testing.T) {
	p := testProfile("notify_1")
	p.FailureCount = 2
	store := newMockStore(p)
	ch := &mockChannel{}
	bus := &mockBus{}
	d := NewDispatcher(store, testVault(t), bus, nil, ch)

	d.Dispatch(context.Background(), Request{
		RunnerID:   "runner_1",
		ProfileIDs: []string{"notify_1"},
		Transition: true,
		Title:      "DOWN: web",
		Body:       "service unreachable",
		Priority:   channels.PriorityHigh,
	})

	if len(ch.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(ch.sent))
	}
	got := store.profiles["notify_1"]
	if got.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0 after success", got.FailureCount)
	}
	if got.SentCount != 1 {
		t.Errorf("SentCount = %d, want 1", got.SentCount)
	}
	if evs := bus.byType(models.EventProfileStatus); len(evs) != 1 ||
		evs[0].ProfileStatus.Delivery != models.DeliverySuccess {
		t.Errorf("expected one success profile status event, got %+v", evs)
	}
	if len(store.journal) != 1 || store.journal[0].Delivery != models.DeliverySuccess {
		t.Errorf("journal = %+v, want one success entry", store.journal)
	}
}

func TestDispatch_DecryptsCredentialsBeforeSend(t *testing.T) {
	vault := testVault(t)
	sealed, err := vault.Seal("secret-token")
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	p := testProfile("notify_1")
	p.Config["api_token"] = sealed

	store := newMockStore(p)
	ch := &mockChannel{}
	d := NewDispatcher(store, vault, &mockBus{}, nil, ch)

	d.Dispatch(context.Background(), Request{
		RunnerID: "runner_1", ProfileIDs: []string{"notify_1"}, Title: "t", Body: "b",
	})

	if len(ch.configs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(ch.configs))
	}
	if ch.configs[0]["api_token"] != "secret-token" {
		t.Errorf("channel received %q, want decrypted credential", ch.configs[0]["api_token"])
	}
}

func TestDispatch_FailureIncrementsCounter(t *testing.T) {
	store := newMockStore(testProfile("notify_1"))
	ch := &mockChannel{sendErr: fmt.Errorf("api down")}
	bus := &mockBus{}
	d := NewDispatcher(store, testVault(t), bus, nil, ch)

	d.Dispatch(context.Background(), Request{
		RunnerID: "runner_1", ProfileIDs: []string{"notify_1"}, Title: "t", Body: "b",
	})

	got := store.profiles["notify_1"]
	if got.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", got.FailureCount)
	}
	if !got.Active {
		t.Error("profile should stay active below the threshold")
	}
	if len(store.journal) != 1 || store.journal[0].Error != "api down" {
		t.Errorf("journal = %+v, want one error entry", store.journal)
	}
}

func TestDispatch_AutoDisableAtThreshold(t *testing.T) {
	store := newMockStore(testProfile("notify_1"))
	ch := &mockChannel{sendErr: fmt.Errorf("api down")}
	bus := &mockBus{}
	d := NewDispatcher(store, testVault(t), bus, nil, ch)

	for i := 0; i < models.AutoDisableThreshold; i++ {
		d.Dispatch(context.Background(), Request{
			RunnerID: "runner_1", ProfileIDs: []string{"notify_1"}, Title: "t", Body: "b",
		})
	}

	got := store.profiles["notify_1"]
	if got.Active {
		t.Error("profile should be auto-disabled at the threshold")
	}
	if got.FailureCount != models.AutoDisableThreshold {
		t.Errorf("FailureCount = %d, want %d", got.FailureCount, models.AutoDisableThreshold)
	}
	if evs := bus.byType(models.EventProfileAutoDisabled); len(evs) != 1 {
		t.Fatalf("auto-disabled events = %d, want 1", len(evs))
	}

	// Further dispatches skip the disabled profile.
	before := len(store.journal)
	d.Dispatch(context.Background(), Request{
		RunnerID: "runner_1", ProfileIDs: []string{"notify_1"}, Title: "t", Body: "b",
	})
	if len(store.journal) != before {
		t.Error("disabled profile should not receive deliveries")
	}
}

func TestDispatch_ConcurrentFailuresSerializeCounters(t *testing.T) {
	store := newMockStore(testProfile("notify_1"))
	ch := &mockChannel{sendErr: fmt.Errorf("api down")}
	bus := &mockBus{}
	d := NewDispatcher(store, testVault(t), bus, nil, ch)

	const attempts = 5
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), Request{
				RunnerID: "runner_1", ProfileIDs: []string{"notify_1"}, Title: "t", Body: "b",
			})
		}()
	}
	wg.Wait()

	got := store.profiles["notify_1"]
	if got.Active {
		t.Error("profile should be auto-disabled after concurrent failures")
	}
	if got.FailureCount < models.AutoDisableThreshold {
		t.Errorf("FailureCount = %d, want at least %d (lost increments)",
			got.FailureCount, models.AutoDisableThreshold)
	}
	if evs := bus.byType(models.EventProfileAutoDisabled); len(evs) != 1 {
		t.Fatalf("auto-disabled events = %d, want exactly 1", len(evs))
	}
}

func TestDispatch_UpdatesOnlySkipsRepeats(t *testing.T) {
	store := newMockStore(testProfile("notify_1"))
	ch := &mockChannel{}
	d := NewDispatcher(store, testVault(t), &mockBus{}, nil, ch)

	req := Request{
		RunnerID:    "runner_1",
		ProfileIDs:  []string{"notify_1"},
		UpdatesOnly: map[string]bool{"notify_1": true},
		Transition:  false,
		Title:       "DOWN: web", Body: "still down",
	}
	d.Dispatch(context.Background(), req)
	if len(ch.sent) != 0 {
		t.Fatal("updates-only profile should skip unchanged states")
	}

	req.Transition = true
	d.Dispatch(context.Background(), req)
	if len(ch.sent) != 1 {
		t.Errorf("sent %d messages after transition, want 1", len(ch.sent))
	}
}

func TestDispatch_ProfileFailureIsIsolated(t *testing.T) {
	good := testProfile("notify_good")
	store := newMockStore(good)
	ch := &mockChannel{}
	d := NewDispatcher(store, testVault(t), &mockBus{}, nil, ch)

	d.Dispatch(context.Background(), Request{
		RunnerID:   "runner_1",
		ProfileIDs: []string{"notify_missing", "notify_good"},
		Title:      "t", Body: "b",
	})

	if len(ch.sent) != 1 {
		t.Errorf("good profile should still receive delivery, sent=%d", len(ch.sent))
	}
}

// ============================================================================
// Test delivery
// ============================================================================

func TestTest_SendsWithoutTouchingCounters(t *testing.T) {
	store := newMockStore(testProfile("notify_1"))
	ch := &mockChannel{}
	d := NewDispatcher(store, testVault(t), &mockBus{}, nil, ch)

	if err := d.Test(context.Background(), "notify_1", ""); err != nil {
		t.Fatalf("Test() error: %v", err)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(ch.sent))
	}
	got := store.profiles["notify_1"]
	if got.SentCount != 0 || got.FailureCount != 0 {
		t.Errorf("test delivery must not change counters: %+v", got)
	}
}

func TestTest_FailureFeedsAutoDisable(t *testing.T) {
	store := newMockStore(testProfile("notify_1"))
	ch := &mockChannel{sendErr: fmt.Errorf("invalid token")}
	bus := &mockBus{}
	d := NewDispatcher(store, testVault(t), bus, nil, ch)

	for i := 0; i < models.AutoDisableThreshold; i++ {
		if err := d.Test(context.Background(), "notify_1", ""); err == nil {
			t.Fatal("Test() should fail")
		}
	}

	got := store.profiles["notify_1"]
	if got.Active {
		t.Error("repeated failed tests should auto-disable the profile")
	}
	if evs := bus.byType(models.EventProfileAutoDisabled); len(evs) != 1 {
		t.Errorf("auto-disabled events = %d, want 1", len(evs))
	}
}

func TestDispatch_ReturnsPerProfileResults(t *testing.T) {
	store := newMockStore(testProfile("notify_1"))
	ch := &mockChannel{}
	d := NewDispatcher(store, testVault(t), &mockBus{}, nil, ch)

	results := d.Dispatch(context.Background(), Request{
		RunnerID: "runner_1", ProfileIDs: []string{"notify_1"}, Title: "t", Body: "b",
	})
	if err, ok := results["notify_1"]; !ok || err != nil {
		t.Errorf("results = %v, want notify_1 -> nil", results)
	}
}

func TestTest_UnconfiguredProfile(t *testing.T) {
	p := testProfile("notify_1")
	p.Config = map[string]string{}
	store := newMockStore(p)
	d := NewDispatcher(store, testVault(t), &mockBus{}, nil, &mockChannel{})

	if err := d.Test(context.Background(), "notify_1", ""); err == nil {
		t.Error("Test() on unconfigured profile should fail")
	}
}
