// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package environment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"tsqa.256lights.llc/pkg/configs"
	"tsqa.256lights.llc/pkg/internal/osutil"
	"tsqa.256lights.llc/pkg/internal/xnet"
	"tsqa.256lights.llc/pkg/layout"
	"zombiezen.com/go/log"
)

// process is a started daemon.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	// exitCode is valid after done is closed.
	exitCode int
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// wait waits up to d for the process to exit
// and reports whether it did.
func (p *process) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Running reports whether the environment's daemon is running.
// It never blocks.
func (e *Environment) Running() bool {
	return e.running()
}

var errProcessExited = errors.New("process exited")

// Start launches the daemon in the sandbox
// and waits until every reserved port accepts connections.
// If the ports do not become ready within the start timeout,
// Start stops the daemon and returns a [*StartupTimeoutError].
// If the daemon exits during startup,
// Start returns a [*ProcessDiedError].
func (e *Environment) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running() {
		return ErrAlreadyRunning
	}
	recordsPath, err := e.layout.Join(layout.ConfigDir, configs.RecordsFile)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if info, err := os.Stat(recordsPath); errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return fmt.Errorf("start %v: %w", e.layout, ErrNoConfig)
	} else if err != nil {
		return fmt.Errorf("start %v: %v", e.layout, err)
	}
	daemonPath, err := e.layout.Join(layout.BinDir, e.opts.Daemon)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logPath, err := e.layout.Join(layout.LogDir, e.opts.Daemon+".log")
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	env, err := shellEnv(e.layout)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("start %v: %v", e.layout, err)
	}
	c := exec.Command(daemonPath, e.opts.DaemonArgs...)
	c.Dir = e.layout.Prefix()
	c.Env = osutil.EnvironList(env)
	c.Stdout = logFile
	c.Stderr = logFile
	setProcessGroup(c)
	log.Debugf(ctx, "Starting %s in %v", e.opts.Daemon, e.layout)
	if err := c.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %v: %v", e.layout, err)
	}
	p := &process{cmd: c, done: make(chan struct{})}
	go func() {
		c.Wait()
		p.exitCode = c.ProcessState.ExitCode()
		logFile.Close()
		close(p.done)
	}()
	e.proc.Store(p)

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.StartTimeout)
	pending, err := xnet.WaitForListeners(waitCtx, e.hostPorts, e.opts.PollInterval, func() error {
		if p.exited() {
			return errProcessExited
		}
		return nil
	})
	cancel()
	switch {
	case errors.Is(err, errProcessExited):
		return e.diedAtStartup(ctx, p)
	case err != nil && ctx.Err() != nil:
		e.stopAfterFailedStart(ctx)
		return fmt.Errorf("start %v: %w", e.layout, ctx.Err())
	case err != nil:
		e.stopAfterFailedStart(ctx)
		return &StartupTimeoutError{Pending: pending, Timeout: e.opts.StartTimeout}
	}
	// Something else may be listening on our ports.
	if p.exited() {
		return e.diedAtStartup(ctx, p)
	}
	log.Debugf(ctx, "%s took %v to start up", e.opts.Daemon, time.Since(start))
	return nil
}

func (e *Environment) diedAtStartup(ctx context.Context, p *process) error {
	<-p.done
	log.Debugf(ctx, "%s exited during startup with code %d", e.opts.Daemon, p.exitCode)
	// Clean up any children left in the process group.
	signalGroup(p.cmd.Process, hardStop)
	return &ProcessDiedError{ExitCode: p.exitCode, Prefix: e.layout.Prefix()}
}

func (e *Environment) stopAfterFailedStart(ctx context.Context) {
	if err := e.stop(ctx); err != nil {
		log.Errorf(ctx, "%v", err)
	}
}

func (e *Environment) running() bool {
	p := e.proc.Load()
	return p != nil && !p.exited()
}

// Stop stops the daemon if it is running.
// It first asks the daemon's process group to exit,
// then forcibly kills it if it has not exited within the stop timeout.
// Stop returns an error if the daemon is still running
// after the kill timeout.
// Stop waits at most the stop timeout plus the kill timeout.
// Calling Stop when the daemon is not running does nothing.
func (e *Environment) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stop(ctx)
}

func (e *Environment) stop(ctx context.Context) error {
	p := e.proc.Load()
	if p == nil || p.exited() {
		return nil
	}
	pid := p.cmd.Process.Pid
	log.Debugf(ctx, "Stopping %s (pid %d)", e.opts.Daemon, pid)
	if err := signalGroup(p.cmd.Process, softStop); err != nil {
		log.Debugf(ctx, "Signal %s: %v", e.opts.Daemon, err)
	}
	if p.wait(e.opts.StopTimeout) {
		return nil
	}

	log.Warnf(ctx, "%s (pid %d) did not exit within %v; killing", e.opts.Daemon, pid, e.opts.StopTimeout)
	if err := signalGroup(p.cmd.Process, hardStop); err != nil {
		log.Debugf(ctx, "Kill %s: %v", e.opts.Daemon, err)
	}
	if p.wait(e.opts.KillTimeout) {
		return nil
	}
	return fmt.Errorf("stop %s (pid %d): still running after kill", e.opts.Daemon, pid)
}

// Destroy stops the daemon and removes the sandbox.
// Failures are logged rather than returned.
// Afterward, the environment is empty.
// Calling Destroy more than once is safe.
func (e *Environment) Destroy(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.stop(ctx); err != nil {
		log.Errorf(ctx, "Destroy environment: %v", err)
	}
	if e.layout.IsEmpty() {
		return
	}
	log.Debugf(ctx, "Removing %v", e.layout)
	if err := osutil.RemoveAll(e.layout.Prefix()); err != nil {
		log.Warnf(ctx, "Destroy environment: %v", err)
	}
	e.layout = layout.Layout{}
	e.hostPorts = nil
}
