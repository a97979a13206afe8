// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/notify"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
)

// ============================================================================
// Test fixtures
// ============================================================================

type engineStore struct {
	mu       sync.Mutex
	runners  map[string]models.Runner
	groups   map[string]models.RunnerGroup
	statuses map[string]models.RuntimeStatus

	// runnerGate, when set, runs before every Runner lookup; tests use
	// it to hold a lookup open at a chosen moment.
	runnerGate func(id string)
}

func newEngineStore(runners ...models.Runner) *engineStore {
	s := &engineStore{
		runners:  make(map[string]models.Runner),
		groups:   make(map[string]models.RunnerGroup),
		statuses: make(map[string]models.RuntimeStatus),
	}
	for _, r := range runners {
		s.runners[r.ID] = r
	}
	return s
}

func (s *engineStore) Runner(_ context.Context, id string) (models.Runner, error) {
	s.mu.Lock()
	gate := s.runnerGate
	s.mu.Unlock()
	if gate != nil {
		gate(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return models.Runner{}, errors.NotFound("runner")
	}
	return r, nil
}

func (s *engineStore) Group(_ context.Context, id string) (models.RunnerGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return models.RunnerGroup{}, errors.NotFound("group")
	}
	return g, nil
}

func (s *engineStore) RuntimeStatuses(_ context.Context) ([]models.RuntimeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RuntimeStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	return out, nil
}

func (s *engineStore) SaveRuntimeStatus(_ context.Context, st models.RuntimeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.RunnerID] = st
	return nil
}

func (s *engineStore) setCommand(runnerID, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runners[runnerID]
	r.Command = command
	s.runners[runnerID] = r
}

// recordingBus collects published events and lets tests wait for them.
type recordingBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *recordingBus) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) statuses(runnerID string) []models.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.StatusEvent
	for _, ev := range b.events {
		if ev.Type == models.EventStatus && ev.Status != nil && ev.Status.RunnerID == runnerID {
			out = append(out, *ev.Status)
		}
	}
	return out
}

func (b *recordingBus) countPhase(runnerID string, phase models.RunnerPhase) int {
	n := 0
	for _, st := range b.statuses(runnerID) {
		if st.Phase == phase {
			n++
		}
	}
	return n
}

// gatedBus wraps recordingBus and blocks the first finished-phase
// publish until released, so tests can act while that publish is in
// flight.
type gatedBus struct {
	inner   *recordingBus
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func newGatedBus(inner *recordingBus) *gatedBus {
	return &gatedBus{
		inner:   inner,
		held:    make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *gatedBus) Publish(ev models.Event) {
	if ev.Type == models.EventStatus && ev.Status != nil && ev.Status.Phase == models.PhaseFinished {
		b.once.Do(func() {
			close(b.held)
			<-b.release
		})
	}
	b.inner.Publish(ev)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type recordingNotifier struct {
	mu       sync.Mutex
	requests []notify.Request
	result   error
}

func (n *recordingNotifier) Dispatch(_ context.Context, req notify.Request) map[string]error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	out := make(map[string]error, len(req.ProfileIDs))
	for _, id := range req.ProfileIDs {
		if req.UpdatesOnly[id] && !req.Transition {
			continue
		}
		out[id] = n.result
	}
	return out
}

type panickingNotifier struct{}

func (panickingNotifier) Dispatch(context.Context, notify.Request) map[string]error {
	panic("notifier exploded")
}

func newTestManager(t *testing.T, store *engineStore) (*Manager, *recordingBus, *recordingNotifier) {
	t.Helper()
	bus := &recordingBus{}
	notifier := &recordingNotifier{}
	m := NewManager(store, notifier, bus, nil, Config{}, nil)
	// Compress every schedule so interval tests run in milliseconds.
	m.interval = func(s models.Schedule) time.Duration {
		if s.IsZero() {
			return 0
		}
		return 30 * time.Millisecond
	}
	t.Cleanup(m.Shutdown)
	return m, bus, notifier
}

func testRunner(id string, mutate ...func(*models.Runner)) models.Runner {
	r := models.Runner{
		ID:      id,
		Name:    "runner " + id,
		Command: "true",
		MaxRuns: models.MaxRunsUnlimited,
	}
	for _, fn := range mutate {
		fn(&r)
	}
	return r
}

// ============================================================================
// Single-flight
// ============================================================================

func TestRun_ConcurrentCallsAcceptExactlyOne(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = "sleep 0.4"
	}))
	m, bus, _ := newTestManager(t, store)

	const callers = 10
	var wg sync.WaitGroup
	accepted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Run(context.Background(), "r1"); err == nil {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(accepted) != 1 {
		t.Fatalf("accepted %d concurrent starts, want exactly 1", len(accepted))
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished)+bus.countPhase("r1", models.PhaseStopped) >= 1
	}, "run to settle")
	if got := bus.countPhase("r1", models.PhaseStarted); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
}

// ============================================================================
// Scheduling / max runs
// ============================================================================

func TestSchedule_MaxRunsSettlesIdle(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Schedule = models.Schedule{Seconds: 5}
		r.MaxRuns = 3
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished) >= 3
	}, "three finished runs")

	// Give a would-be fourth schedule a chance to fire, then check it didn't.
	time.Sleep(150 * time.Millisecond)

	if got := bus.countPhase("r1", models.PhaseStarted); got != 3 {
		t.Errorf("started events = %d, want exactly 3", got)
	}
	if got := bus.countPhase("r1", models.PhaseFinished); got != 3 {
		t.Errorf("finished events = %d, want exactly 3", got)
	}

	snap := m.Snapshot().Runners["r1"]
	if snap.Running || snap.Scheduled || snap.Paused {
		t.Errorf("runner should settle idle, got %+v", snap)
	}
	if snap.Remaining == nil || *snap.Remaining != 0 {
		t.Errorf("Remaining = %v, want 0", snap.Remaining)
	}
}

func TestSchedule_OneShotDoesNotReschedule(t *testing.T) {
	store := newEngineStore(testRunner("r1"))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished) >= 1
	}, "run to finish")

	if got := bus.countPhase("r1", models.PhaseScheduled); got != 0 {
		t.Errorf("scheduled events = %d, want 0 for a one-shot runner", got)
	}
}

// ============================================================================
// Failure auto-pause
// ============================================================================

func TestFailureThreshold_PausesAndManualRunRecovers(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = "false"
		r.Schedule = models.Schedule{Seconds: 5}
		r.FailurePauseThreshold = 2
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return bus.countPhase("r1", models.PhasePaused) >= 1
	}, "pause after two failures")

	var paused models.StatusEvent
	for _, st := range bus.statuses("r1") {
		if st.Phase == models.PhasePaused {
			paused = st
		}
	}
	if paused.ConsecutiveFailures != 2 {
		t.Errorf("paused with consecutive_failures = %d, want 2", paused.ConsecutiveFailures)
	}
	if got := bus.countPhase("r1", models.PhaseStarted); got != 2 {
		t.Errorf("started events = %d, want 2 before pausing", got)
	}
	if snap := m.Snapshot().Runners["r1"]; !snap.Paused {
		t.Error("snapshot should report paused")
	}

	// A manual run is allowed while paused and resets the counter on success.
	store.setCommand("r1", "true")
	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("manual Run() while paused error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		snap := m.Snapshot().Runners["r1"]
		return !snap.Paused && snap.ConsecutiveFailures == 0 && !snap.Running
	}, "recovery run to clear the failure counter")
}

func TestStoppedRun_DoesNotCountAsFailure(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = "sleep 5"
		r.FailurePauseThreshold = 1
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseStarted) == 1
	}, "run to start")
	m.Stop("r1")

	waitFor(t, 6*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseStopped) >= 1
	}, "stop to complete")

	snap := m.Snapshot().Runners["r1"]
	if snap.Paused {
		t.Error("an explicit stop must not trigger auto-pause")
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after explicit stop", snap.ConsecutiveFailures)
	}
}

// ============================================================================
// Stop
// ============================================================================

func TestStop_CancelsPendingSchedule(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Schedule = models.Schedule{Hours: 1}
	}))
	m, bus, _ := newTestManager(t, store)
	// Long interval: the runner stays in Scheduled until stopped.
	m.interval = func(models.Schedule) time.Duration { return time.Hour }

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return m.Snapshot().Runners["r1"].Scheduled
	}, "runner to enter scheduled")

	m.Stop("r1")

	snap := m.Snapshot().Runners["r1"]
	if snap.Scheduled || snap.Running {
		t.Errorf("stop should cancel the pending timer, got %+v", snap)
	}
	if got := bus.countPhase("r1", models.PhaseStopped); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}

	// Redundant stop on an idle runner is a no-op.
	m.Stop("r1")
	if got := bus.countPhase("r1", models.PhaseStopped); got != 1 {
		t.Errorf("redundant stop emitted an extra event (%d)", got)
	}
}

func TestStop_DuringFinishPublishIsNotOverridden(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Schedule = models.Schedule{Hours: 1}
	}))
	bus := &recordingBus{}
	gated := newGatedBus(bus)
	m := NewManager(store, &recordingNotifier{}, gated, nil, Config{}, nil)
	t.Cleanup(m.Shutdown)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	select {
	case <-gated.held:
	case <-time.After(5 * time.Second):
		t.Fatal("finished publish never reached the bus")
	}

	// The next run is already armed at this point. Stopping now must
	// win even though the finish path is still mid-publish.
	m.Stop("r1")
	close(gated.release)

	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished) == 1
	}, "finish publish to complete")

	if m.Locked("r1") {
		t.Error("runner still locked after stop")
	}
	snap := m.Snapshot().Runners["r1"]
	if snap.Scheduled || snap.Running {
		t.Errorf("stop was overridden, got %+v", snap)
	}
	if got := bus.countPhase("r1", models.PhaseStarted); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
	if got := bus.countPhase("r1", models.PhaseScheduled); got != 0 {
		t.Errorf("scheduled events after stop = %d, want 0", got)
	}
	if got := bus.countPhase("r1", models.PhaseStopped); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}
}

func TestStop_TerminatesRunningProcess(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = "sleep 30"
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseStarted) == 1
	}, "run to start")

	start := time.Now()
	m.Stop("r1")
	waitFor(t, 6*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseStopped) >= 1
	}, "process to terminate")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took %v, ladder should act sooner", elapsed)
	}

	var stopped models.StatusEvent
	for _, st := range bus.statuses("r1") {
		if st.Phase == models.PhaseStopped {
			stopped = st
		}
	}
	if !stopped.Stopped {
		t.Error("stopped status must carry stopped=true")
	}
}

// ============================================================================
// Exit codes and spawn behavior
// ============================================================================

func TestFinish_CarriesExitCode(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = "exit 7"
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished) >= 1
	}, "run to finish")

	var finished models.StatusEvent
	for _, st := range bus.statuses("r1") {
		if st.Phase == models.PhaseFinished {
			finished = st
		}
	}
	if finished.ExitCode == nil || *finished.ExitCode != 7 {
		t.Errorf("ExitCode = %v, want 7", finished.ExitCode)
	}
	if finished.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", finished.ConsecutiveFailures)
	}
}

func TestRun_EmptyCommandRejected(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = "  "
	}))
	m, _, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); !errors.IsValidation(err) {
		t.Errorf("Run() = %v, want validation error", err)
	}
}

// ============================================================================
// Output, matching and notification flow
// ============================================================================

func TestRun_MatchDispatchesRenderedMessage(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = `echo "status: 503"`
		r.Cases = []models.Case{{
			ID:              "c1",
			Pattern:         `status:\s*(?P<code>\d+)`,
			MessageTemplate: "Code {code}",
			State:           models.StateDown,
		}}
		r.NotifyProfileIDs = []string{"p1"}
	}))
	m, bus, notifier := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished) >= 1
	}, "run to finish")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.requests) != 1 {
		t.Fatalf("dispatch requests = %d, want 1", len(notifier.requests))
	}
	req := notifier.requests[0]
	if req.Body != "Code 503" {
		t.Errorf("Body = %q, want %q", req.Body, "Code 503")
	}
	if !req.Transition {
		t.Error("first DOWN should be a transition")
	}
	if req.Priority != 1 {
		t.Errorf("Priority = %d, want 1 for DOWN", req.Priority)
	}

	// The match is visible on the bus and in the snapshot.
	found := false
	bus.mu.Lock()
	for _, ev := range bus.events {
		if ev.Type == models.EventCaseMatch && ev.CaseMatch.Message == "Code 503" {
			found = true
		}
	}
	bus.mu.Unlock()
	if !found {
		t.Error("case_match event missing")
	}
	if snap := m.Snapshot().Runners["r1"]; snap.LastCase != "Code 503" {
		t.Errorf("snapshot LastCase = %q", snap.LastCase)
	}
}

func TestRun_InvalidCaseKeepsRunnerAlive(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = `echo ok`
		r.Cases = []models.Case{
			{ID: "bad", Pattern: `([broken`, MessageTemplate: "x"},
			{ID: "good", Pattern: `ok`, MessageTemplate: "fine"},
		}
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished) >= 1
	}, "run to finish")

	caseErrors, caseMatches := 0, 0
	bus.mu.Lock()
	for _, ev := range bus.events {
		switch ev.Type {
		case models.EventCaseError:
			caseErrors++
		case models.EventCaseMatch:
			caseMatches++
		}
	}
	bus.mu.Unlock()
	if caseErrors != 1 {
		t.Errorf("case_error events = %d, want 1", caseErrors)
	}
	if caseMatches != 1 {
		t.Errorf("case_match events = %d, want 1 from the valid case", caseMatches)
	}
}

func TestRun_NotifierPanicStillSettlesRunner(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = `echo "status: 503"`
		r.Cases = []models.Case{{
			ID:              "c1",
			Pattern:         `status:\s*\d+`,
			MessageTemplate: "down",
			State:           models.StateDown,
		}}
		r.NotifyProfileIDs = []string{"p1"}
	}))
	bus := &recordingBus{}
	m := NewManager(store, panickingNotifier{}, bus, nil, Config{}, nil)
	t.Cleanup(m.Shutdown)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished)+bus.countPhase("r1", models.PhaseStopped) >= 1
	}, "runner to settle despite the panic")

	if m.Locked("r1") {
		t.Error("runner left locked after notifier panic")
	}

	// A fresh start on the same runner must be accepted.
	store.setCommand("r1", "true")
	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() after panic error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseStarted) >= 2
	}, "second run to start")
}

func TestRun_OutputStreamedAndTailed(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = `printf 'one\ntwo\nthree\n'`
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseFinished) >= 1
	}, "run to finish")

	var lines []string
	bus.mu.Lock()
	for _, ev := range bus.events {
		if ev.Type == models.EventOutput {
			lines = append(lines, ev.Output.Line)
		}
	}
	bus.mu.Unlock()
	if fmt.Sprint(lines) != fmt.Sprint([]string{"one", "two", "three"}) {
		t.Errorf("output lines = %v", lines)
	}

	if snap := m.Snapshot().Runners["r1"]; snap.Tail != "one\ntwo\nthree" {
		t.Errorf("snapshot Tail = %q", snap.Tail)
	}
}

// ============================================================================
// RunOnce
// ============================================================================

func TestRunOnce_IgnoresSchedule(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Schedule = models.Schedule{Seconds: 5}
	}))
	m, bus, _ := newTestManager(t, store)

	if err := m.RunOnce(context.Background(), "r1"); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	snap := m.Snapshot().Runners["r1"]
	if snap.Running || snap.Scheduled {
		t.Errorf("RunOnce must settle without rescheduling, got %+v", snap)
	}
	if got := bus.countPhase("r1", models.PhaseScheduled); got != 0 {
		t.Errorf("scheduled events = %d, want 0", got)
	}
}

// ============================================================================
// Restore
// ============================================================================

func TestRestore_RecoversLastCase(t *testing.T) {
	store := newEngineStore(testRunner("r1"))
	store.statuses["r1"] = models.RuntimeStatus{
		RunnerID:   "r1",
		LastCase:   "Code 503",
		LastCaseTS: "2026-02-01T10:00:00Z",
	}
	m, _, _ := newTestManager(t, store)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	snap := m.Snapshot().Runners["r1"]
	if snap.LastCase != "Code 503" || snap.LastCaseTS != "2026-02-01T10:00:00Z" {
		t.Errorf("restored snapshot = %+v", snap)
	}
	if snap.Scheduled {
		t.Error("schedules must not re-arm unless configured")
	}
}

func TestRestore_ResumesPendingSchedule(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Schedule = models.Schedule{Seconds: 5}
	}))
	finished := time.Now().Add(-time.Minute)
	remaining := 2
	store.statuses["r1"] = models.RuntimeStatus{
		RunnerID:       "r1",
		LastFinishedAt: &finished,
		Remaining:      &remaining,
	}

	bus := &recordingBus{}
	m := NewManager(store, &recordingNotifier{}, bus, nil, Config{ResumeSchedules: true}, nil)
	m.interval = func(models.Schedule) time.Duration { return 30 * time.Millisecond }
	t.Cleanup(m.Shutdown)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseStarted) >= 1
	}, "resumed schedule to fire")
}

// ============================================================================
// Lock / log guard
// ============================================================================

func TestLocked_WhileRunningAndScheduled(t *testing.T) {
	store := newEngineStore(testRunner("r1", func(r *models.Runner) {
		r.Command = "sleep 0.3"
		r.Schedule = models.Schedule{Hours: 1}
	}))
	m, bus, _ := newTestManager(t, store)
	m.interval = func(models.Schedule) time.Duration { return time.Hour }

	if m.Locked("r1") {
		t.Error("idle runner should not be locked")
	}
	if err := m.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !m.Locked("r1") {
		t.Error("running runner should be locked")
	}
	waitFor(t, 3*time.Second, func() bool {
		return bus.countPhase("r1", models.PhaseScheduled) >= 1
	}, "runner to enter scheduled")
	if !m.Locked("r1") {
		t.Error("scheduled runner should be locked")
	}
	m.Stop("r1")
	if m.Locked("r1") {
		t.Error("stopped runner should be unlocked")
	}
}
