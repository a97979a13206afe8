// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Pushover API limits.
const (
	pushoverMaxTitle   = 250
	pushoverMaxMessage = 1024

	defaultPushoverURL = "https://api.pushover.net/1/messages.json"
)

// PushoverChannel delivers notifications through the Pushover API.
// Config keys: "api_token" (application token), "user_key" (user/group
// key), optional "device".
type PushoverChannel struct {
	endpoint string
	client   *http.Client
}

// PushoverOption customises a PushoverChannel.
type PushoverOption func(*PushoverChannel)

// WithPushoverEndpoint overrides the API URL. Used by tests.
func WithPushoverEndpoint(u string) PushoverOption {
	return func(c *PushoverChannel) { c.endpoint = u }
}

// WithPushoverClient overrides the HTTP client.
func WithPushoverClient(client *http.Client) PushoverOption {
	return func(c *PushoverChannel) { c.client = client }
}

// NewPushoverChannel creates the channel with a 15s request timeout.
func NewPushoverChannel(opts ...PushoverOption) *PushoverChannel {
	c := &PushoverChannel{
		endpoint: defaultPushoverURL,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Type returns the profile type this channel serves.
func (c *PushoverChannel) Type() string { return "pushover" }

// Configured requires both the application token and the user key.
func (c *PushoverChannel) Configured(config map[string]string) bool {
	return config["api_token"] != "" && config["user_key"] != ""
}

// Send posts the message as an API form request. Titles and bodies over
// the API limits are truncated, not rejected.
func (c *PushoverChannel) Send(ctx context.Context, config map[string]string, msg Message) error {
	form := url.Values{}
	form.Set("token", config["api_token"])
	form.Set("user", config["user_key"])
	form.Set("title", truncate(msg.Title, pushoverMaxTitle))
	form.Set("message", truncate(msg.Body, pushoverMaxMessage))
	if msg.Priority != PriorityNormal {
		form.Set("priority", strconv.Itoa(msg.Priority))
	}
	if device := config["device"]; device != "" {
		form.Set("device", device)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	// The API reports validation problems as a JSON errors array.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Errors []string `json:"errors"`
	}
	if json.Unmarshal(body, &apiErr) == nil && len(apiErr.Errors) > 0 {
		return fmt.Errorf("pushover: %s (status %d)", strings.Join(apiErr.Errors, "; "), resp.StatusCode)
	}
	return fmt.Errorf("pushover: unexpected status %d", resp.StatusCode)
}

// truncate cuts s to at most max bytes without splitting a UTF-8 rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
