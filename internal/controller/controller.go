// Package controller spawns the engine process and drives one run over its
// stdio protocol: it renders events, relays clarifying answers, enforces an
// optional wall-clock budget, and translates Ctrl-C into an engine SIGINT
// with a kill escalation after the grace period.
package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dejisec/lode/internal/config"
	"github.com/dejisec/lode/internal/domain"
)

// engineBinary is the engine executable name looked up next to the current
// binary and on PATH.
const engineBinary = "lode-engine"

// Controller owns the engine process lifecycle for one run.
type Controller struct {
	engineBin string
	grace     time.Duration
	render    *Renderer
	answer    AnswerFunc
	stderr    io.Writer
	log       *slog.Logger
}

// New creates a controller. The engine inherits the parent environment, so
// LODE_* configuration flows through to it.
func New(cfg *config.Config, render *Renderer, answer AnswerFunc, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		engineBin: cfg.EngineBin,
		grace:     cfg.CancelGrace,
		render:    render,
		answer:    answer,
		stderr:    os.Stderr,
		log:       log,
	}
}

// Run spawns the engine and drives the run to its terminal event. A
// cancelled ctx interrupts the engine and waits for it to wind down; when
// the engine dies without a terminal event under cancellation, the outcome
// is synthesized as cancelled.
func (c *Controller) Run(ctx context.Context, query string, cfg domain.RunConfig, budget time.Duration) (*Outcome, error) {
	bin, err := resolveEngine(c.engineBin)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin)
	cmd.Stderr = c.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine %s: %w", bin, err)
	}
	c.log.Debug("engine started", "bin", bin, "pid", cmd.Process.Pid)

	// The watchdog forwards ctx cancellation to the engine while the
	// session runs. The engine seals its run, emits run_cancelled, and
	// exits; if it lingers past the grace period it is killed, which ends
	// the session with EOF.
	sessionDone := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(os.Interrupt)
			select {
			case <-sessionDone:
			case <-time.After(c.grace):
				c.log.Warn("engine ignored interrupt, killing", "pid", cmd.Process.Pid)
				_ = cmd.Process.Kill()
			}
		case <-sessionDone:
		}
	}()

	sess := NewSession(stdin, stdout, c.render, c.answer, budget, c.log)
	outcome, sessErr := sess.Run(query, cfg)
	close(sessionDone)
	<-watchdogDone
	_ = stdin.Close()

	waitErr := c.reap(cmd)
	if sessErr != nil {
		if ctx.Err() != nil {
			return &Outcome{RunID: sess.RunID(), Status: domain.RunStatusCancelled}, nil
		}
		return nil, sessErr
	}
	if waitErr != nil {
		// The terminal event carries the authoritative result; a nonzero
		// engine exit merely mirrors it.
		c.log.Debug("engine exit", "error", waitErr)
	}
	return outcome, nil
}

// reap collects the engine process, escalating when it lingers: wait one
// grace period for a voluntary exit, interrupt, wait again, then kill.
func (c *Controller) reap(cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return err
	case <-time.After(c.grace):
		_ = cmd.Process.Signal(os.Interrupt)
	}
	select {
	case err := <-exited:
		return err
	case <-time.After(c.grace):
		_ = cmd.Process.Kill()
	}
	return <-exited
}

// resolveEngine locates the engine executable: an explicit path wins, then
// a sibling of the current binary, then PATH.
func resolveEngine(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), engineBinary)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(engineBinary)
	if err != nil {
		return "", fmt.Errorf("failed to locate %s (set LODE_ENGINE_BIN or --engine): %w", engineBinary, err)
	}
	return path, nil
}
