// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package models

import (
	"strings"

	"github.com/google/uuid"

	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

// MaskedSecret is the placeholder returned to clients in place of a stored
// credential. Saving it back preserves the previously stored value.
const MaskedSecret = "__SECRET_SET__"

// ProfileTypePushover is the push-notification delivery mechanism.
const ProfileTypePushover = "pushover"

// AutoDisableThreshold is the number of consecutive delivery failures after
// which a profile is deactivated.
const AutoDisableThreshold = 3

// NotificationProfile is a named delivery target.
type NotificationProfile struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Type   string `json:"type" yaml:"type"`
	Active bool   `json:"active" yaml:"active"`

	// FailureCount is the consecutive delivery failure counter; it resets on
	// any successful delivery or when an operator forces Active back to true.
	FailureCount int `json:"failure_count" yaml:"failure_count"`
	// SentCount is the lifetime successful delivery counter.
	SentCount int `json:"sent_count" yaml:"sent_count"`

	// Config holds mechanism-specific credentials. Values are encrypted at
	// rest (vault tokens) and masked as MaskedSecret when exposed to clients.
	Config map[string]string `json:"config" yaml:"config"`
}

// NewProfileID returns a fresh notification profile identifier.
func NewProfileID() string { return "notify_" + uuid.New().String() }

// Normalize fills defaults in place.
func (p *NotificationProfile) Normalize() {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = NewProfileID()
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = "Pushover"
	}
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	if p.Type == "" {
		p.Type = ProfileTypePushover
	}
	if p.FailureCount < 0 {
		p.FailureCount = 0
	}
	if p.SentCount < 0 {
		p.SentCount = 0
	}
	if p.Config == nil {
		p.Config = map[string]string{}
	}
}

// Validate checks the profile definition.
func (p *NotificationProfile) Validate() error {
	if p.Type != ProfileTypePushover {
		return errors.Newf(errors.CodeValidation, "unsupported notification profile type %q", p.Type)
	}
	return nil
}

// Configured reports whether every required credential key is non-empty.
func (p *NotificationProfile) Configured() bool {
	switch p.Type {
	case ProfileTypePushover:
		return strings.TrimSpace(p.Config["user_key"]) != "" &&
			strings.TrimSpace(p.Config["api_token"]) != ""
	default:
		return false
	}
}

// MaskConfig returns a copy of the profile with credential values replaced
// by MaskedSecret (empty values stay empty).
func (p NotificationProfile) MaskConfig() NotificationProfile {
	masked := make(map[string]string, len(p.Config))
	for k, v := range p.Config {
		if v != "" {
			masked[k] = MaskedSecret
		} else {
			masked[k] = ""
		}
	}
	p.Config = masked
	return p
}
