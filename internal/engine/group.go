// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// GroupStore is the persistence surface the coordinator needs.
type GroupStore interface {
	Group(ctx context.Context, id string) (models.RunnerGroup, error)
	Runner(ctx context.Context, id string) (models.Runner, error)
}

type groupState struct {
	phase     models.GroupPhase
	current   string
	completed int
	total     int
	lastError string
	stop      chan struct{}
	stopOnce  *sync.Once
}

// Coordinator runs a group's enabled members one at a time, in list
// order. Independent groups may run concurrently with each other and with
// ungrouped runners; members within one group never do.
type Coordinator struct {
	store GroupStore
	mgr   *Manager
	bus   Publisher
	log   *logger.Logger

	mu     sync.Mutex
	states map[string]*groupState
}

// NewCoordinator creates a coordinator backed by the runner manager.
func NewCoordinator(store GroupStore, mgr *Manager, bus Publisher, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		store:  store,
		mgr:    mgr,
		bus:    bus,
		log:    log.Named("group"),
		states: make(map[string]*groupState),
	}
}

// Run starts a group run. Every enabled member is validated up front; if
// any member has no command or is already locked, the whole run is
// refused without starting anything.
func (c *Coordinator) Run(ctx context.Context, groupID string) error {
	group, err := c.store.Group(ctx, groupID)
	if err != nil {
		return err
	}
	members := group.EnabledMembers()
	if len(members) == 0 {
		return errors.New(errors.CodeValidation, "group has no enabled members")
	}

	for _, id := range members {
		runner, err := c.store.Runner(ctx, id)
		if err != nil {
			return errors.Wrapf(err, errors.CodeValidation, "group member %s", id)
		}
		if strings.TrimSpace(runner.Command) == "" {
			return errors.Newf(errors.CodeValidation, "group member %q has no command", runner.DisplayName())
		}
		if c.mgr.Locked(id) {
			return errors.Busy("group member " + runner.DisplayName() + " is already active")
		}
	}

	c.mu.Lock()
	st := c.states[groupID]
	if st != nil && (st.phase == models.GroupStarted || st.phase == models.GroupStopping) {
		c.mu.Unlock()
		return errors.Busy("group is already running")
	}
	st = &groupState{
		phase:    models.GroupStarted,
		total:    len(members),
		stop:     make(chan struct{}),
		stopOnce: &sync.Once{},
	}
	c.states[groupID] = st
	c.mu.Unlock()

	c.publish(groupID, models.GroupStatusEvent{
		GroupID: groupID, Phase: models.GroupStarted, TotalCount: len(members),
	})

	go c.runSequence(groupID, members, st)
	return nil
}

// Stop requests a group stop: the current member's process is stopped and
// no further member starts. Idempotent.
func (c *Coordinator) Stop(groupID string) {
	c.mu.Lock()
	st := c.states[groupID]
	if st == nil || (st.phase != models.GroupStarted && st.phase != models.GroupStopping) {
		c.mu.Unlock()
		return
	}
	st.phase = models.GroupStopping
	current := st.current
	stopOnce := st.stopOnce
	stop := st.stop
	completed, total := st.completed, st.total
	c.mu.Unlock()

	stopOnce.Do(func() { close(stop) })
	c.publish(groupID, models.GroupStatusEvent{
		GroupID: groupID, Phase: models.GroupStopping,
		CurrentRunner: current, CompletedCount: completed, TotalCount: total,
	})
	if current != "" {
		c.mgr.Stop(current)
	}
}

// Snapshots returns the group half of the live-feed snapshot.
func (c *Coordinator) Snapshots() map[string]models.GroupSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.GroupSnapshot, len(c.states))
	for id, st := range c.states {
		out[id] = models.GroupSnapshot{
			Phase:          st.phase,
			CurrentRunner:  st.current,
			CompletedCount: st.completed,
			TotalCount:     st.total,
		}
	}
	return out
}

func (c *Coordinator) runSequence(groupID string, members []string, st *groupState) {
	for _, id := range members {
		select {
		case <-st.stop:
			c.settle(groupID, st, models.GroupStopped, "")
			return
		default:
		}

		c.mu.Lock()
		st.current = id
		completed, total := st.completed, st.total
		c.mu.Unlock()
		c.publish(groupID, models.GroupStatusEvent{
			GroupID: groupID, Phase: models.GroupStarted,
			CurrentRunner: id, CompletedCount: completed, TotalCount: total,
		})

		// The member runs under a context canceled by the group's stop
		// channel, so a stop landing between the progress publish and
		// the member's admission still halts it instead of letting it
		// run to completion.
		memberCtx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-st.stop:
				cancel()
			case <-memberCtx.Done():
			}
		}()
		err := c.mgr.RunOnce(memberCtx, id)
		cancel()

		c.mu.Lock()
		st.current = ""
		stopped := st.phase == models.GroupStopping
		c.mu.Unlock()

		if err != nil && !stopped {
			c.log.Error("group member failed to run", "group", groupID, "runner", id, "error", err)
			c.settle(groupID, st, models.GroupError, err.Error())
			return
		}
		if stopped {
			c.settle(groupID, st, models.GroupStopped, "")
			return
		}

		c.mu.Lock()
		st.completed++
		c.mu.Unlock()
	}
	c.settle(groupID, st, models.GroupFinished, "")
}

func (c *Coordinator) settle(groupID string, st *groupState, phase models.GroupPhase, detail string) {
	c.mu.Lock()
	st.phase = phase
	st.current = ""
	st.lastError = detail
	completed, total := st.completed, st.total
	c.mu.Unlock()

	c.publish(groupID, models.GroupStatusEvent{
		GroupID: groupID, Phase: phase,
		CompletedCount: completed, TotalCount: total, Error: detail,
	})
}

func (c *Coordinator) publish(groupID string, ev models.GroupStatusEvent) {
	c.bus.Publish(models.NewGroupStatusEvent(ev))
}
