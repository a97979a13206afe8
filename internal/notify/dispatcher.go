// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package notify resolves notification profiles and delivers rendered
// alert messages through the configured channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/notify/channels"
	"github.com/fr4nsys/runwatch/internal/pkg/crypto"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	// Profile returns the profile by id.
	Profile(ctx context.Context, id string) (models.NotificationProfile, error)
	// UpdateProfile persists counter and activation changes.
	UpdateProfile(ctx context.Context, p models.NotificationProfile) error
	// AppendJournal records one delivery attempt.
	AppendJournal(ctx context.Context, e models.JournalEntry) error
}

// Publisher is the event-bus surface the dispatcher needs.
type Publisher interface {
	Publish(ev models.Event)
}

// Request is one alert to deliver to a runner's assigned profiles.
type Request struct {
	RunnerID   string
	RunnerName string
	// ProfileIDs are the profiles assigned to the runner.
	ProfileIDs []string
	// UpdatesOnly marks profiles that only receive state transitions.
	UpdatesOnly map[string]bool
	// Transition is true when the semantic state changed since the last
	// delivery for this case.
	Transition bool
	Title      string
	Body       string
	Priority   int
}

// Dispatcher fans alert messages out to notification profiles, keeping
// delivery counters and auto-disabling profiles that fail repeatedly.
type Dispatcher struct {
	store    Store
	vault    *crypto.Vault
	bus      Publisher
	log      *logger.Logger
	channels map[string]channels.Channel
	now      func() time.Time

	// mu guards locks; each profile's counter mutations are serialized
	// through its own entry so concurrent runners sharing a profile
	// cannot lose increments.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher serving the given channels.
func NewDispatcher(store Store, vault *crypto.Vault, bus Publisher, log *logger.Logger, chs ...channels.Channel) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	byType := make(map[string]channels.Channel, len(chs))
	for _, ch := range chs {
		byType[ch.Type()] = ch
	}
	return &Dispatcher{
		store:    store,
		vault:    vault,
		bus:      bus,
		log:      log.Named("notify"),
		channels: byType,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Dispatch delivers req to every assigned profile and returns the
// per-profile outcome (nil on success). Skipped profiles — inactive, or
// updates-only without a transition — are absent from the result.
// Per-profile failures do not abort delivery to the remaining profiles.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) map[string]error {
	results := make(map[string]error, len(req.ProfileIDs))
	for _, id := range req.ProfileIDs {
		if req.UpdatesOnly[id] && !req.Transition {
			continue
		}
		if outcome, attempted := d.deliver(ctx, id, req); attempted {
			results[id] = outcome
		}
	}
	return results
}

// Test sends a test message through one profile. It bypasses cooldown
// and escalation, but a failed test still feeds the profile's failure
// counter so a broken profile eventually auto-disables.
func (d *Dispatcher) Test(ctx context.Context, profileID, message string) error {
	profile, err := d.store.Profile(ctx, profileID)
	if err != nil {
		return err
	}
	ch, ok := d.channels[profile.Type]
	if !ok {
		return errors.Newf(errors.CodeValidation, "no channel for profile type %q", profile.Type)
	}
	config, err := d.openConfig(profile)
	if err != nil {
		return err
	}
	if !ch.Configured(config) {
		return errors.New(errors.CodeValidation, "notification profile is not configured")
	}

	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("Test notification for profile %q.", profile.Name)
	}
	msg := channels.Message{
		Title:    "runwatch test",
		Body:     message,
		Priority: channels.PriorityNormal,
	}
	if err := ch.Send(ctx, config, msg); err != nil {
		d.recordFailure(ctx, profile, Request{Title: msg.Title, Body: msg.Body}, err)
		return err
	}
	d.journal(ctx, models.JournalEntry{
		ProfileID:   profile.ID,
		ProfileName: profile.Name,
		Delivery:    models.DeliveryInfo,
		Title:       msg.Title,
		Message:     msg.Body,
	})
	return nil
}

// deliver attempts one profile. attempted is false when the profile was
// skipped at resolution time.
func (d *Dispatcher) deliver(ctx context.Context, profileID string, req Request) (outcome error, attempted bool) {
	profile, err := d.store.Profile(ctx, profileID)
	if err != nil {
		d.log.Warn("notification profile lookup failed",
			"profile", profileID, "runner", req.RunnerID, "error", err)
		return err, true
	}
	if !profile.Active {
		return nil, false
	}

	err = d.send(ctx, profile, req)
	if err == nil {
		profile = d.mutateProfile(ctx, profile, func(p *models.NotificationProfile) {
			p.FailureCount = 0
			p.SentCount++
		})
		d.journal(ctx, models.JournalEntry{
			RunnerID:    req.RunnerID,
			ProfileID:   profile.ID,
			ProfileName: profile.Name,
			Delivery:    models.DeliverySuccess,
			Title:       req.Title,
			Message:     req.Body,
		})
		d.bus.Publish(models.NewProfileStatusEvent(models.ProfileStatusEvent{
			RunnerID:     req.RunnerID,
			ProfileID:    profile.ID,
			ProfileName:  profile.Name,
			Active:       true,
			FailureCount: 0,
			SentCount:    profile.SentCount,
			Delivery:     models.DeliverySuccess,
			Title:        req.Title,
			Message:      req.Body,
			TS:           d.now(),
		}))
		return nil, true
	}

	d.recordFailure(ctx, profile, req, err)
	return err, true
}

// profileLock returns the serialization lock for one profile's counters.
func (d *Dispatcher) profileLock(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	mu, ok := d.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		d.locks[id] = mu
	}
	return mu
}

// mutateProfile re-reads the profile under its lock, applies fn, and
// persists the result, so concurrent counter updates never lose
// increments. Returns the profile as persisted (or the caller's snapshot
// with fn applied when the re-read fails).
func (d *Dispatcher) mutateProfile(ctx context.Context, snapshot models.NotificationProfile, fn func(*models.NotificationProfile)) models.NotificationProfile {
	mu := d.profileLock(snapshot.ID)
	mu.Lock()
	defer mu.Unlock()

	profile, err := d.store.Profile(ctx, snapshot.ID)
	if err != nil {
		d.log.Warn("profile re-read failed, applying counters to stale copy",
			"profile", snapshot.ID, "error", err)
		profile = snapshot
	}
	fn(&profile)
	d.persist(ctx, profile)
	return profile
}

// recordFailure applies the failure-counter and auto-disable path shared
// by real dispatches and test deliveries.
func (d *Dispatcher) recordFailure(ctx context.Context, profile models.NotificationProfile, req Request, err error) {
	var autoDisabled bool
	profile = d.mutateProfile(ctx, profile, func(p *models.NotificationProfile) {
		p.FailureCount++
		autoDisabled = p.FailureCount >= models.AutoDisableThreshold && p.Active
		if autoDisabled {
			p.Active = false
		}
	})
	d.log.Warn("notification delivery failed",
		"profile", profile.ID, "runner", req.RunnerID,
		"failures", profile.FailureCount, "auto_disabled", autoDisabled, "error", err)

	d.journal(ctx, models.JournalEntry{
		RunnerID:    req.RunnerID,
		ProfileID:   profile.ID,
		ProfileName: profile.Name,
		Delivery:    models.DeliveryError,
		Title:       req.Title,
		Message:     req.Body,
		Error:       err.Error(),
	})
	d.bus.Publish(models.NewProfileStatusEvent(models.ProfileStatusEvent{
		RunnerID:     req.RunnerID,
		ProfileID:    profile.ID,
		ProfileName:  profile.Name,
		Active:       profile.Active,
		FailureCount: profile.FailureCount,
		SentCount:    profile.SentCount,
		Delivery:     models.DeliveryError,
		Reason:       err.Error(),
		AutoDisabled: autoDisabled,
		Title:        req.Title,
		Message:      req.Body,
		TS:           d.now(),
	}))
	if autoDisabled {
		reason := fmt.Sprintf("disabled after %d consecutive delivery failures", profile.FailureCount)
		d.journal(ctx, models.JournalEntry{
			ProfileID:   profile.ID,
			ProfileName: profile.Name,
			Delivery:    models.DeliveryInfo,
			Title:       "Profile auto-disabled",
			Message:     reason,
		})
		d.bus.Publish(models.NewProfileAutoDisabledEvent(models.ProfileAutoDisabledEvent{
			ProfileID:    profile.ID,
			ProfileName:  profile.Name,
			FailureCount: profile.FailureCount,
			SentCount:    profile.SentCount,
			Reason:       reason,
			TS:           d.now(),
		}))
	}
}

func (d *Dispatcher) send(ctx context.Context, profile models.NotificationProfile, req Request) error {
	ch, ok := d.channels[profile.Type]
	if !ok {
		return fmt.Errorf("no channel for profile type %q", profile.Type)
	}
	config, err := d.openConfig(profile)
	if err != nil {
		return err
	}
	if !ch.Configured(config) {
		return fmt.Errorf("profile %q is not configured", profile.Name)
	}
	return ch.Send(ctx, config, channels.Message{
		Title:    req.Title,
		Body:     req.Body,
		Priority: req.Priority,
	})
}

// openConfig decrypts every credential value. A vault failure surfaces as
// a delivery failure rather than a crash.
func (d *Dispatcher) openConfig(profile models.NotificationProfile) (map[string]string, error) {
	config := make(map[string]string, len(profile.Config))
	for k, v := range profile.Config {
		plain, err := d.vault.Open(v)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential %q: %w", k, err)
		}
		config[k] = plain
	}
	return config, nil
}

func (d *Dispatcher) persist(ctx context.Context, profile models.NotificationProfile) {
	if err := d.store.UpdateProfile(ctx, profile); err != nil {
		d.log.Error("persist profile counters failed", "profile", profile.ID, "error", err)
	}
}

func (d *Dispatcher) journal(ctx context.Context, e models.JournalEntry) {
	if e.TS.IsZero() {
		e.TS = d.now()
	}
	if err := d.store.AppendJournal(ctx, e); err != nil {
		d.log.Error("journal append failed", "profile", e.ProfileID, "error", err)
	}
}
