// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package environment provides sandboxed, runnable copies of an installation.
//
// An [Environment] owns a private directory tree cloned from an installed build,
// a set of TCP ports reserved for it, a configuration rewritten to use both,
// and at most one supervised daemon process.
package environment

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"tsqa.256lights.llc/pkg/configs"
	"tsqa.256lights.llc/pkg/layout"
)

// Environment variables consulted for default [Options].
const (
	LayoutDirEnv    = "TSQA_LAYOUT_DIR"
	LayoutPrefixEnv = "TSQA_LAYOUT_PREFIX"
)

// Default option values.
const (
	DefaultPrefix       = "tsqa.env."
	DefaultPorts        = 3
	DefaultDaemon       = "traffic_cop"
	DefaultStartTimeout = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultStopTimeout  = 2 * time.Second
	DefaultKillTimeout  = 2 * time.Second
)

// DefaultHost is the address ports are reserved on by default.
var DefaultHost = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// DefaultDaemonArgs is the argument list passed to the daemon by default.
var DefaultDaemonArgs = []string{"--debug", "--stdout"}

// Options is the set of optional parameters to [New].
// Zero fields use their defaults.
type Options struct {
	// Dir is the directory sandboxes are created in.
	// Defaults to $TSQA_LAYOUT_DIR or the system temporary directory.
	Dir string
	// Prefix is the name prefix for sandbox directories.
	// Defaults to $TSQA_LAYOUT_PREFIX or [DefaultPrefix].
	Prefix string
	// Ports is the number of TCP ports to reserve.
	// The first three ports are bound to the server, manager, and admin interfaces.
	Ports int
	// Host is the address to reserve ports on and probe.
	Host netip.Addr
	// Daemon is the name of the program in the bin directory to supervise.
	Daemon string
	// DaemonArgs is the daemon's argument list.
	// A nil slice uses [DefaultDaemonArgs]; a non-nil empty slice passes no arguments.
	DaemonArgs []string

	// StartTimeout bounds how long [Environment.Start] waits
	// for every port to accept connections.
	StartTimeout time.Duration
	// PollInterval is the time between readiness probes.
	PollInterval time.Duration
	// StopTimeout bounds how long [Environment.Stop] waits
	// after asking the daemon to exit.
	StopTimeout time.Duration
	// KillTimeout bounds how long [Environment.Stop] waits
	// after forcibly killing the daemon.
	KillTimeout time.Duration
}

func (opts *Options) resolve() Options {
	var o Options
	if opts != nil {
		o = *opts
		o.DaemonArgs = slices.Clone(opts.DaemonArgs)
	}
	if o.Dir == "" {
		o.Dir = os.Getenv(LayoutDirEnv)
	}
	if o.Prefix == "" {
		o.Prefix = os.Getenv(LayoutPrefixEnv)
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Ports <= 0 {
		o.Ports = DefaultPorts
	}
	if !o.Host.IsValid() {
		o.Host = DefaultHost
	}
	if o.Daemon == "" {
		o.Daemon = DefaultDaemon
	}
	if o.DaemonArgs == nil {
		o.DaemonArgs = slices.Clone(DefaultDaemonArgs)
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	return o
}

// Errors returned by [Environment.Start].
var (
	ErrAlreadyRunning = errors.New("daemon already running")
	ErrNoConfig       = errors.New("missing " + configs.RecordsFile)
)

// StartupTimeoutError is returned by [Environment.Start]
// when the daemon does not accept connections on every port in time.
type StartupTimeoutError struct {
	Pending []netip.AddrPort
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("daemon did not accept connections on %v within %v", e.Pending, e.Timeout)
}

// ProcessDiedError is returned by [Environment.Start]
// when the daemon exits during startup.
type ProcessDiedError struct {
	// ExitCode is the daemon's exit code
	// or -1 if it was terminated by a signal.
	ExitCode int
	Prefix   string
}

func (e *ProcessDiedError) Error() string {
	return fmt.Sprintf("daemon in %s exited during startup (exit code %d)", e.Prefix, e.ExitCode)
}

// Environment is a sandboxed copy of an installation
// along with an optional running daemon.
//
// A new Environment is empty until [Environment.Clone] succeeds.
// After [Environment.Destroy], the Environment is empty again
// and operations that need a sandbox fail with an error wrapping [layout.ErrNoPrefix].
// Methods on Environment are safe to call from multiple goroutines.
type Environment struct {
	opts Options

	mu        sync.Mutex
	layout    layout.Layout
	hostPorts []netip.AddrPort

	proc atomic.Pointer[process]
}

// New returns a new empty environment.
func New(opts *Options) *Environment {
	return &Environment{opts: opts.resolve()}
}

// Layout returns the environment's layout.
// The layout is empty before [Environment.Clone] and after [Environment.Destroy].
func (e *Environment) Layout() layout.Layout {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layout
}

// HostPorts returns the addresses reserved for the environment.
func (e *Environment) HostPorts() []netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.hostPorts)
}

// ConfigPath returns the path of the named file
// in the environment's configuration directory.
func (e *Environment) ConfigPath(name string) (string, error) {
	return e.Layout().Join(layout.ConfigDir, name)
}

// Records loads the environment's records file.
func (e *Environment) Records() (*configs.Records, error) {
	path, err := e.ConfigPath(configs.RecordsFile)
	if err != nil {
		return nil, err
	}
	return configs.LoadRecords(path)
}
