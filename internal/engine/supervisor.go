// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package engine implements runner execution: process supervision, case
// matching, alert gating, scheduling and group coordination.
package engine

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

const (
	// maxLineBytes bounds a single captured output line.
	maxLineBytes = 1024 * 1024

	// Grace periods of the termination ladder: interrupt, then terminate,
	// then kill the whole process group.
	stopInterruptGrace = 1500 * time.Millisecond
	stopTerminateGrace = 2 * time.Second
)

// Result is the outcome of one completed process run.
type Result struct {
	ExitCode int
	// Stopped is true when the run ended because of a stop request,
	// regardless of the exit code the process died with.
	Stopped bool
	// StartedAt / FinishedAt bracket the run.
	StartedAt  time.Time
	FinishedAt time.Time
}

// Supervisor spawns runner commands through a shell and captures their
// merged output line by line.
type Supervisor struct {
	shell          string
	interruptGrace time.Duration
	terminateGrace time.Duration
	log            *logger.Logger
}

// NewSupervisor creates a supervisor using bash as the command shell.
func NewSupervisor(log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Nop()
	}
	return &Supervisor{
		shell:          "bash",
		interruptGrace: stopInterruptGrace,
		terminateGrace: stopTerminateGrace,
		log:            log.Named("supervisor"),
	}
}

// Process is one live command execution.
type Process struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}
	log   *logger.Logger

	stopOnce  sync.Once
	stopped   atomic.Bool
	startedAt time.Time

	mu     sync.Mutex
	result Result
}

// Start spawns command through the shell in its own process group, so a
// stop signal reaches pipelines and subshells too. stdout and stderr are
// merged into one ordered line stream. The returned process is already
// running; a spawn failure is returned directly.
func (s *Supervisor) Start(ctx context.Context, command string) (*Process, error) {
	cmd := exec.Command(s.shell, "-lc", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	p := &Process{
		cmd:       cmd,
		lines:     make(chan string, 64),
		done:      make(chan struct{}),
		log:       s.log,
		startedAt: time.Now(),
	}

	go p.readLines(pr)

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Stop(p)
			case <-p.done:
			}
		}()
	}

	go func() {
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			exitCode = exitCodeOf(err)
		}
		p.mu.Lock()
		p.result = Result{
			ExitCode:   exitCode,
			Stopped:    p.stopped.Load(),
			StartedAt:  p.startedAt,
			FinishedAt: time.Now(),
		}
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// Stop requests termination: SIGINT to the process group, escalating to
// SIGTERM and finally SIGKILL if the process lingers. Safe to call more
// than once and after exit.
func (s *Supervisor) Stop(p *Process) {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		go func() {
			pgid := -p.cmd.Process.Pid
			_ = syscall.Kill(pgid, syscall.SIGINT)
			select {
			case <-p.done:
				return
			case <-time.After(s.interruptGrace):
			}
			_ = syscall.Kill(pgid, syscall.SIGTERM)
			select {
			case <-p.done:
				return
			case <-time.After(s.terminateGrace):
			}
			s.log.Warn("process ignored SIGTERM, killing group", "pid", p.cmd.Process.Pid)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
	})
}

// Lines yields merged output lines as produced. The channel closes when
// the stream ends.
func (p *Process) Lines() <-chan string { return p.lines }

// Wait blocks until the process exits and returns the run outcome.
func (p *Process) Wait() Result {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) readLines(r *os.File) {
	defer close(p.lines)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	// An oversized line (or read error) ends the scan early; surface it
	// as a synthetic line instead of silently dropping the rest of the
	// stream.
	if err := scanner.Err(); err != nil {
		p.log.Warn("output stream aborted", "pid", p.cmd.Process.Pid, "error", err)
		p.lines <- "[output stream aborted: " + err.Error() + "]"
	}
}

func exitCodeOf(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return ee.ExitCode()
	}
	// Wait failed for a non-exit reason; report a synthetic failure code.
	return -1
}
