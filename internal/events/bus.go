// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package events implements the in-process fan-out bus that connects the
// execution engine to live subscribers.
package events

import (
	"sync"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

const (
	// MaxSubscribers bounds concurrent subscriptions. New subscriptions
	// beyond the cap are refused rather than evicting existing ones.
	MaxSubscribers = 100

	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls this far behind starts losing events instead of
	// blocking publishers.
	subscriberBuffer = 256
)

// SnapshotFunc produces the current full state snapshot. It is invoked
// under the bus lock so the snapshot and the subsequent event stream
// cannot interleave with a publish.
type SnapshotFunc func() models.Snapshot

// Subscription is a live event feed. Events() yields a snapshot event
// first, then every event published after subscription, in order.
type Subscription struct {
	ch     chan models.Event
	id     uint64
	cancel func()
	once   sync.Once
}

// Events returns the receive channel. It is closed when the subscription
// is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan models.Event { return s.ch }

// Close cancels the subscription and releases its slot.
func (s *Subscription) Close() { s.once.Do(s.cancel) }

// Bus fans out engine events to subscribers. Publishing never blocks:
// a full subscriber channel drops the event for that subscriber only.
type Bus struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	closed   bool
	snapshot SnapshotFunc
	log      *logger.Logger
	dropped  uint64
}

// NewBus creates a bus. snapshot provides the state document sent as the
// first event of every subscription.
func NewBus(snapshot SnapshotFunc, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{
		subs:     make(map[uint64]*Subscription),
		snapshot: snapshot,
		log:      log.Named("events"),
	}
}

// Subscribe registers a new subscriber. The first event on the returned
// channel is always a snapshot. Returns a LIMIT_EXCEEDED error when the
// subscriber cap is reached.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New(errors.CodeUnavailable, "event bus is shut down")
	}
	if len(b.subs) >= MaxSubscribers {
		return nil, errors.LimitExceeded("subscribers", len(b.subs)+1, MaxSubscribers)
	}

	b.nextID++
	id := b.nextID
	sub := &Subscription{
		ch: make(chan models.Event, subscriberBuffer),
		id: id,
	}
	sub.cancel = func() { b.unsubscribe(id) }
	b.subs[id] = sub

	// Snapshot goes in while the lock is held, so no published event can
	// slip in between snapshot capture and delivery.
	if b.snapshot != nil {
		sub.ch <- models.NewSnapshotEvent(b.snapshot())
	}

	return sub, nil
}

// Publish delivers ev to every current subscriber without blocking.
func (b *Bus) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
			b.log.Debug("dropping event for slow subscriber",
				"subscriber", sub.id, "type", ev.Type, "dropped_total", b.dropped)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}
