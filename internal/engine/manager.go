// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fr4nsys/runwatch/internal/logsink"
	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/notify"
	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// tailLines bounds the per-runner output ring buffer used for snapshots.
const tailLines = 500

// Store is the persistence surface the manager needs.
type Store interface {
	Runner(ctx context.Context, id string) (models.Runner, error)
	RuntimeStatuses(ctx context.Context) ([]models.RuntimeStatus, error)
	SaveRuntimeStatus(ctx context.Context, st models.RuntimeStatus) error
}

// Notifier delivers rendered alerts. Implemented by notify.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, req notify.Request) map[string]error
}

// Publisher is the event-bus surface the engine needs.
type Publisher interface {
	Publish(ev models.Event)
}

// Config tunes restart behavior.
type Config struct {
	// ResumeSchedules re-arms pending interval timers from persisted
	// last-finish times on startup.
	ResumeSchedules bool
	// CatchUpMissed runs a schedule immediately when its deadline passed
	// while the engine was offline. When false the interval restarts
	// fresh from startup time.
	CatchUpMissed bool
}

// runnerState is the engine-owned runtime record for one runner. All
// mutation goes through the manager's transition methods under st.mu.
type runnerState struct {
	mu sync.Mutex

	running   bool
	scheduled bool
	paused    bool
	stopping  bool

	timer *time.Timer
	proc  *Process

	runCount            int
	remaining           *int // nil = unlimited
	consecutiveFailures int
	activeSince         *time.Time
	lastFinishedAt      *time.Time

	tail     []string
	tailHead int

	lastCase   string
	lastCaseTS string

	// waiters are closed when the current run (or pending schedule)
	// fully settles; used by the group coordinator.
	waiters []chan struct{}
}

// Manager owns runner lifecycles: single-flight execution, interval
// re-scheduling anchored at run finish, max-run budgets, and auto-pause
// after consecutive failures.
type Manager struct {
	store    Store
	notifier Notifier
	bus      Publisher
	sink     *logsink.Sink
	sup      *Supervisor
	tracker  *AlertTracker
	cfg      Config
	log      *logger.Logger

	mu     sync.Mutex
	states map[string]*runnerState

	// interval is swappable so tests can compress schedules.
	interval func(models.Schedule) time.Duration
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a manager. sink may be nil to disable file logging.
func NewManager(store Store, notifier Notifier, bus Publisher, sink *logsink.Sink, cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		notifier: notifier,
		bus:      bus,
		sink:     sink,
		sup:      NewSupervisor(log),
		tracker:  NewAlertTracker(),
		cfg:      cfg,
		log:      log.Named("engine"),
		states:   make(map[string]*runnerState),
		interval: models.Schedule.Interval,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Run starts a runner manually. Refused while the runner is already
// running or scheduled; a paused runner is un-paused and starts a fresh
// session.
func (m *Manager) Run(ctx context.Context, runnerID string) error {
	runner, err := m.store.Runner(ctx, runnerID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(runner.Command) == "" {
		return errors.New(errors.CodeValidation, "runner has no command")
	}

	st := m.state(runnerID)
	st.mu.Lock()
	if st.running || st.scheduled {
		st.mu.Unlock()
		return errors.Busy("runner is already running or scheduled")
	}
	st.paused = false
	st.stopping = false
	m.beginSessionLocked(st, runner)
	st.running = true
	st.mu.Unlock()

	go m.execute(runner, st, false)
	return nil
}

// RunOnce starts a runner and blocks until that single run settles,
// ignoring the runner's schedule. Used by the group coordinator.
func (m *Manager) RunOnce(ctx context.Context, runnerID string) error {
	runner, err := m.store.Runner(ctx, runnerID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(runner.Command) == "" {
		return errors.New(errors.CodeValidation, "runner has no command")
	}

	st := m.state(runnerID)
	st.mu.Lock()
	if st.running || st.scheduled {
		st.mu.Unlock()
		return errors.Busy("runner is already running or scheduled")
	}
	st.paused = false
	st.stopping = false
	m.beginSessionLocked(st, runner)
	st.running = true
	done := make(chan struct{})
	st.waiters = append(st.waiters, done)
	st.mu.Unlock()

	go m.execute(runner, st, true)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.Stop(runnerID)
		<-done
		return ctx.Err()
	}
}

// Stop requests a stop. While Scheduled it cancels the pending timer;
// while Running it hands off to the supervisor's termination ladder.
// Idempotent: stopping an idle runner is a no-op.
func (m *Manager) Stop(runnerID string) {
	st := m.state(runnerID)
	st.mu.Lock()

	if st.scheduled && !st.running {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.scheduled = false
		m.endSessionLocked(st)
		runCount := st.runCount
		waiters := m.takeWaitersLocked(st)
		st.mu.Unlock()

		m.publishStatus(models.StatusEvent{
			RunnerID: runnerID,
			Phase:    models.PhaseStopped,
			Stopped:  true,
			RunCount: runCount,
		})
		closeAll(waiters)
		return
	}

	if st.running && !st.stopping {
		st.stopping = true
		proc := st.proc
		st.mu.Unlock()

		m.publishStatus(models.StatusEvent{RunnerID: runnerID, Phase: models.PhaseStopping})
		if proc != nil {
			m.sup.Stop(proc)
		}
		return
	}

	st.mu.Unlock()
}

// Locked reports whether the runner's definition is immutable right now
// (running or scheduled).
func (m *Manager) Locked(runnerID string) bool {
	st := m.state(runnerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.running || st.scheduled
}

// ClearLog truncates the runner's log file, refused while the runner is
// locked.
func (m *Manager) ClearLog(runnerID string) error {
	if m.Locked(runnerID) {
		return errors.Busy("runner is active")
	}
	if m.sink == nil {
		return nil
	}
	return m.sink.Clear(runnerID)
}

// ReadLog returns the runner's persisted output log.
func (m *Manager) ReadLog(runnerID string) (string, error) {
	if m.sink == nil {
		return "", nil
	}
	return m.sink.Read(runnerID)
}

// Forget drops all runtime state for a deleted runner. Refused while the
// runner is active.
func (m *Manager) Forget(runnerID string) error {
	if m.Locked(runnerID) {
		return errors.Busy("runner is active")
	}
	m.mu.Lock()
	delete(m.states, runnerID)
	m.mu.Unlock()
	m.tracker.Forget(runnerID)
	if m.sink != nil {
		m.sink.Remove(runnerID)
	}
	return nil
}

// Snapshot returns the runner half of the live-feed snapshot.
func (m *Manager) Snapshot() models.Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	snap := models.Snapshot{
		Runners: make(map[string]models.RunnerSnapshot, len(ids)),
		Groups:  map[string]models.GroupSnapshot{},
		TS:      m.now(),
	}
	for _, id := range ids {
		st := m.state(id)
		st.mu.Lock()
		snap.Runners[id] = models.RunnerSnapshot{
			Running:             st.running,
			Scheduled:           st.scheduled,
			Paused:              st.paused,
			Stopped:             !st.running && !st.scheduled && !st.paused,
			RunCount:            st.runCount,
			Remaining:           copyIntPtr(st.remaining),
			ConsecutiveFailures: st.consecutiveFailures,
			Tail:                strings.Join(st.tailSliceLocked(), "\n"),
			LastCase:            st.lastCase,
			LastCaseTS:          st.lastCaseTS,
			ActiveSince:         st.activeSince,
		}
		st.mu.Unlock()
	}
	return snap
}

// Restore rebuilds runtime state from persisted status records after a
// restart. Pending schedules are re-armed only when configured; elapsed
// offline time is never silently treated as having run.
func (m *Manager) Restore(ctx context.Context) error {
	statuses, err := m.store.RuntimeStatuses(ctx)
	if err != nil {
		return err
	}
	for _, status := range statuses {
		st := m.state(status.RunnerID)
		st.mu.Lock()
		st.lastCase = status.LastCase
		st.lastCaseTS = status.LastCaseTS
		st.lastFinishedAt = status.LastFinishedAt
		st.remaining = copyIntPtr(status.Remaining)
		st.mu.Unlock()

		if !m.cfg.ResumeSchedules || status.LastFinishedAt == nil {
			continue
		}
		if status.Remaining != nil && *status.Remaining <= 0 {
			continue
		}
		runner, err := m.store.Runner(ctx, status.RunnerID)
		if err != nil {
			continue
		}
		interval := m.interval(runner.Schedule)
		if interval <= 0 {
			continue
		}
		delay := interval
		if m.cfg.CatchUpMissed {
			if due := status.LastFinishedAt.Add(interval); due.After(m.now()) {
				delay = due.Sub(m.now())
			} else {
				delay = time.Millisecond
			}
		}
		m.arm(runner.ID, st, delay)
	}
	return nil
}

// Shutdown stops all pending timers and live processes.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// ============================================================================
// Execution
// ============================================================================

// execute runs one process for the runner and drives the finished
// transition. oneShot suppresses interval re-scheduling.
func (m *Manager) execute(runner models.Runner, st *runnerState, oneShot bool) {
	st.mu.Lock()
	attempt := st.runCount + 1
	remaining := copyIntPtr(st.remaining)
	st.mu.Unlock()

	m.publishStatus(models.StatusEvent{
		RunnerID:  runner.ID,
		Phase:     models.PhaseStarted,
		RunCount:  attempt,
		Remaining: remaining,
	})

	matcher, issues := NewMatcher(runner.Cases)
	for _, issue := range issues {
		m.publishCaseIssue(runner.ID, issue)
	}

	var runLog *logsink.RunLog
	if runner.LoggingEnabled && m.sink != nil {
		var err error
		runLog, err = m.sink.OpenRun(runner.ID, runner.DisplayName(), runner.Command, m.now())
		if err != nil {
			m.log.Warn("runner log unavailable", "runner", runner.ID, "error", err)
		}
	}

	proc, err := m.sup.Start(m.baseCtx, runner.Command)
	if err != nil {
		// Spawn failure: synthetic finished with a non-zero exit code.
		m.log.Error("spawn failed", "runner", runner.ID, "error", err)
		if runLog != nil {
			runLog.WriteLine("spawn failed: " + err.Error())
			runLog.Close(m.now(), 127)
		}
		m.finish(runner, st, Result{ExitCode: 127, StartedAt: m.now(), FinishedAt: m.now()}, oneShot)
		return
	}

	st.mu.Lock()
	st.proc = proc
	stopping := st.stopping
	st.mu.Unlock()
	if stopping {
		// Stop raced with startup.
		m.sup.Stop(proc)
	}

	// The finished transition must fire on every exit path; a panic in
	// the line loop (matcher, notifier, bus, log sink) must not leave
	// the runner locked in Running forever.
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("run loop crashed", "runner", runner.ID, "panic", r)
			m.sup.Stop(proc)
		}
		result := proc.Wait()
		if runLog != nil {
			runLog.Close(result.FinishedAt, result.ExitCode)
		}
		m.finish(runner, st, result, oneShot)
	}()

	for line := range proc.Lines() {
		st.mu.Lock()
		st.pushTailLocked(line)
		st.mu.Unlock()

		m.bus.Publish(models.NewOutputEvent(runner.ID, line))
		if runLog != nil {
			runLog.WriteLine(line)
		}

		matches, lineIssues := matcher.Evaluate(line)
		for _, issue := range lineIssues {
			m.publishCaseIssue(runner.ID, issue)
		}
		for _, match := range matches {
			m.handleMatch(runner, st, match)
		}
	}

	if final, ok := matcher.Final(); ok {
		m.handleMatch(runner, st, final)
	}
}

// finish is the single exit path of every run, stop or crash included.
func (m *Manager) finish(runner models.Runner, st *runnerState, result Result, oneShot bool) {
	st.mu.Lock()
	st.running = false
	st.proc = nil
	st.stopping = false
	st.runCount++
	now := m.now()
	st.lastFinishedAt = &now

	if result.ExitCode == 0 {
		st.consecutiveFailures = 0
	} else if !result.Stopped {
		st.consecutiveFailures++
	}
	if st.remaining != nil && *st.remaining > 0 {
		*st.remaining--
	}

	runCount := st.runCount
	failures := st.consecutiveFailures
	remaining := copyIntPtr(st.remaining)

	interval := m.interval(runner.Schedule)
	budgetLeft := st.remaining == nil || *st.remaining > 0
	pause := runner.FailurePauseThreshold > 0 && failures >= runner.FailurePauseThreshold && !result.Stopped
	reschedule := !oneShot && !result.Stopped && !pause && interval > 0 && budgetLeft

	var waiters []chan struct{}
	exitCode := result.ExitCode
	switch {
	case result.Stopped:
		m.endSessionLocked(st)
		waiters = m.takeWaitersLocked(st)
	case pause:
		st.paused = true
		m.endSessionLocked(st)
		waiters = m.takeWaitersLocked(st)
	case reschedule:
		// Arm under the same critical section that marks the runner
		// scheduled, so a Stop can never land between the two and then
		// be overridden by the timer.
		st.scheduled = true
		if st.timer != nil {
			st.timer.Stop()
		}
		st.timer = time.AfterFunc(interval, func() { m.fireScheduled(runner.ID) })
	default:
		m.endSessionLocked(st)
		waiters = m.takeWaitersLocked(st)
	}
	st.mu.Unlock()

	if result.Stopped {
		m.publishStatus(models.StatusEvent{
			RunnerID:            runner.ID,
			Phase:               models.PhaseStopped,
			ExitCode:            &exitCode,
			Stopped:             true,
			RunCount:            runCount,
			ConsecutiveFailures: failures,
		})
	} else {
		m.publishStatus(models.StatusEvent{
			RunnerID:            runner.ID,
			Phase:               models.PhaseFinished,
			ExitCode:            &exitCode,
			RunCount:            runCount,
			Remaining:           remaining,
			ConsecutiveFailures: failures,
		})
	}

	switch {
	case pause:
		m.publishStatus(models.StatusEvent{
			RunnerID:            runner.ID,
			Phase:               models.PhasePaused,
			ConsecutiveFailures: failures,
			Threshold:           runner.FailurePauseThreshold,
			Reason:              "consecutive failure threshold reached",
		})
	case reschedule:
		// A Stop may have disarmed the timer while the finished event
		// was being published; only announce the schedule if it is
		// still pending.
		st.mu.Lock()
		stillScheduled := st.scheduled
		st.mu.Unlock()
		if stillScheduled {
			m.publishStatus(models.StatusEvent{
				RunnerID:  runner.ID,
				Phase:     models.PhaseScheduled,
				RunCount:  runCount,
				Remaining: remaining,
				InSeconds: int(interval / time.Second),
			})
		}
	}

	m.persistStatus(runner.ID, st)
	closeAll(waiters)
}

// arm starts the pending-run timer. The interval counts from the moment
// the previous run finished, not from when it started.
func (m *Manager) arm(runnerID string, st *runnerState, delay time.Duration) {
	st.mu.Lock()
	st.scheduled = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() { m.fireScheduled(runnerID) })
	st.mu.Unlock()
}

// fireScheduled transitions Scheduled -> Running when the timer elapses.
func (m *Manager) fireScheduled(runnerID string) {
	runner, err := m.store.Runner(m.baseCtx, runnerID)
	if err != nil {
		// Definition vanished while scheduled; settle idle.
		st := m.state(runnerID)
		st.mu.Lock()
		st.scheduled = false
		st.timer = nil
		m.endSessionLocked(st)
		waiters := m.takeWaitersLocked(st)
		st.mu.Unlock()
		closeAll(waiters)
		return
	}

	st := m.state(runnerID)
	st.mu.Lock()
	if !st.scheduled || st.running {
		st.mu.Unlock()
		return
	}
	st.scheduled = false
	st.timer = nil
	st.running = true
	st.mu.Unlock()

	m.execute(runner, st, false)
}

// handleMatch publishes the match and forwards it through alert gating to
// the notifier.
func (m *Manager) handleMatch(runner models.Runner, st *runnerState, match Match) {
	now := m.now()
	msgTS := now.UTC().Format(time.RFC3339)

	st.mu.Lock()
	st.lastCase = match.Message
	st.lastCaseTS = msgTS
	st.mu.Unlock()

	m.bus.Publish(models.NewCaseMatchEvent(models.CaseMatchEvent{
		RunnerID: runner.ID,
		CaseID:   match.Case.ID,
		Pattern:  match.Case.Pattern,
		Message:  match.Message,
		State:    match.State,
	}))

	obs := m.tracker.Observe(runner.ID, match.Case.ID, match.State,
		time.Duration(runner.AlertEscalationS)*time.Second)
	if !obs.Deliver || len(runner.NotifyProfileIDs) == 0 {
		return
	}
	allowed := m.tracker.AllowedProfiles(runner.ID, match.Case.ID, runner.NotifyProfileIDs,
		obs, time.Duration(runner.AlertCooldownS)*time.Second)
	if len(allowed) == 0 {
		return
	}

	updatesOnly := make(map[string]bool, len(runner.NotifyProfileUpdatesOnly))
	for _, id := range runner.NotifyProfileUpdatesOnly {
		updatesOnly[id] = true
	}
	priority := 0
	if obs.State.Unhealthy() {
		priority = 1
	}

	results := m.notifier.Dispatch(m.baseCtx, notify.Request{
		RunnerID:    runner.ID,
		RunnerName:  runner.DisplayName(),
		ProfileIDs:  allowed,
		UpdatesOnly: updatesOnly,
		Transition:  obs.Transition,
		Title:       runner.DisplayName(),
		Body:        DecorateMessage(obs, match.Message),
		Priority:    priority,
	})

	var delivered []string
	for id, err := range results {
		if err == nil {
			delivered = append(delivered, id)
		}
	}
	if len(delivered) > 0 {
		m.tracker.RecordDelivered(runner.ID, match.Case.ID, delivered, obs.Escalation)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (m *Manager) state(runnerID string) *runnerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[runnerID]
	if !ok {
		st = &runnerState{}
		m.states[runnerID] = st
	}
	return st
}

// beginSessionLocked initializes a fresh active session unless one is
// already in progress. Caller holds st.mu.
func (m *Manager) beginSessionLocked(st *runnerState, runner models.Runner) {
	if st.activeSince != nil {
		return
	}
	now := m.now()
	st.activeSince = &now
	st.runCount = 0
	st.consecutiveFailures = 0
	if runner.MaxRuns == models.MaxRunsUnlimited {
		st.remaining = nil
	} else {
		budget := runner.MaxRuns
		st.remaining = &budget
	}
}

// endSessionLocked clears session markers when the runner settles idle,
// stopped or paused. Caller holds st.mu.
func (m *Manager) endSessionLocked(st *runnerState) {
	st.activeSince = nil
}

func (m *Manager) takeWaitersLocked(st *runnerState) []chan struct{} {
	waiters := st.waiters
	st.waiters = nil
	return waiters
}

func (m *Manager) publishStatus(ev models.StatusEvent) {
	m.bus.Publish(models.NewStatusEvent(ev))
}

func (m *Manager) publishCaseIssue(runnerID string, issue CaseIssue) {
	m.log.Warn("case evaluation error", "runner", runnerID, "case", issue.CaseID, "error", issue.Err)
	m.bus.Publish(models.NewCaseErrorEvent(models.CaseErrorEvent{
		RunnerID: runnerID,
		CaseID:   issue.CaseID,
		Pattern:  issue.Pattern,
		Error:    issue.Err,
	}))
}

func (m *Manager) persistStatus(runnerID string, st *runnerState) {
	st.mu.Lock()
	status := models.RuntimeStatus{
		RunnerID:       runnerID,
		LastCase:       st.lastCase,
		LastCaseTS:     st.lastCaseTS,
		LastFinishedAt: st.lastFinishedAt,
		Remaining:      copyIntPtr(st.remaining),
	}
	st.mu.Unlock()

	if err := m.store.SaveRuntimeStatus(m.baseCtx, status); err != nil {
		m.log.Warn("persist runtime status failed", "runner", runnerID, "error", err)
	}
}

func (st *runnerState) pushTailLocked(line string) {
	if len(st.tail) < tailLines {
		st.tail = append(st.tail, line)
		return
	}
	st.tail[st.tailHead] = line
	st.tailHead = (st.tailHead + 1) % tailLines
}

func (st *runnerState) tailSliceLocked() []string {
	if len(st.tail) < tailLines {
		return st.tail
	}
	out := make([]string, 0, tailLines)
	out = append(out, st.tail[st.tailHead:]...)
	out = append(out, st.tail[:st.tailHead]...)
	return out
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func closeAll(chs []chan struct{}) {
	for _, ch := range chs {
		close(ch)
	}
}
