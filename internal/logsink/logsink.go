// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package logsink persists per-runner output logs. Each runner gets one
// append-only file; every run contributes a header block followed by its
// captured lines.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// MaxReadBytes bounds how much of a log file is returned to clients.
// Larger files are truncated from the front, oldest lines first.
const MaxReadBytes = 512 * 1024

// Sink writes per-runner log files under a base directory.
type Sink struct {
	dir string
	log *logger.Logger

	mu   sync.Mutex
	open map[string]int // runner id -> open run handles
}

// New creates a sink rooted at dir, creating it if needed.
func New(dir string, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &Sink{dir: dir, log: log.Named("logsink"), open: make(map[string]int)}, nil
}

// RunLog appends one run's output to a runner's log file.
type RunLog struct {
	sink     *Sink
	runnerID string
	f        *os.File
	mu       sync.Mutex
	closed   bool
}

// OpenRun starts a new run section in the runner's log file. The header
// records the runner name, command and start time.
func (s *Sink) OpenRun(runnerID, runnerName, command string, startedAt time.Time) (*RunLog, error) {
	f, err := os.OpenFile(s.path(runnerID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open runner log: %w", err)
	}

	header := fmt.Sprintf("===== %s | %s | %s =====\n",
		startedAt.Format(time.RFC3339), runnerName, command)
	if _, err := f.WriteString(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write run header: %w", err)
	}

	s.mu.Lock()
	s.open[runnerID]++
	s.mu.Unlock()

	return &RunLog{sink: s, runnerID: runnerID, f: f}, nil
}

// WriteLine appends one output line. Errors are logged, not returned:
// a broken log file must not interrupt a running command.
func (r *RunLog) WriteLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, err := r.f.WriteString(line + "\n"); err != nil {
		r.sink.log.Warn("runner log write failed", "runner", r.runnerID, "error", err)
	}
}

// Close ends the run section with a footer and releases the handle.
func (r *RunLog) Close(finishedAt time.Time, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	footer := fmt.Sprintf("----- finished %s exit=%d -----\n\n",
		finishedAt.Format(time.RFC3339), exitCode)
	if _, err := r.f.WriteString(footer); err != nil {
		r.sink.log.Warn("runner log footer write failed", "runner", r.runnerID, "error", err)
	}
	_ = r.f.Close()

	r.sink.mu.Lock()
	if r.sink.open[r.runnerID] <= 1 {
		delete(r.sink.open, r.runnerID)
	} else {
		r.sink.open[r.runnerID]--
	}
	r.sink.mu.Unlock()
}

// Read returns up to MaxReadBytes of the runner's log, keeping the most
// recent content and starting at a line boundary when truncated.
func (s *Sink) Read(runnerID string) (string, error) {
	raw, err := os.ReadFile(s.path(runnerID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read runner log: %w", err)
	}
	if len(raw) <= MaxReadBytes {
		return string(raw), nil
	}
	tail := raw[len(raw)-MaxReadBytes:]
	if i := strings.IndexByte(string(tail), '\n'); i >= 0 && i+1 < len(tail) {
		tail = tail[i+1:]
	}
	return string(tail), nil
}

// Clear truncates the runner's log file. Refused while a run is writing
// to it.
func (s *Sink) Clear(runnerID string) error {
	s.mu.Lock()
	busy := s.open[runnerID] > 0
	s.mu.Unlock()
	if busy {
		return errors.Busy("runner log is in use by an active run")
	}
	err := os.Remove(s.path(runnerID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear runner log: %w", err)
	}
	return nil
}

// Remove deletes the runner's log file unconditionally. Used when the
// runner itself is deleted.
func (s *Sink) Remove(runnerID string) {
	if err := os.Remove(s.path(runnerID)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("runner log remove failed", "runner", runnerID, "error", err)
	}
}

func (s *Sink) path(runnerID string) string {
	// Runner ids are generated, but never trust them as path components.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, runnerID)
	return filepath.Join(s.dir, safe+".log")
}
