// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

//go:build unix

package environment

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type stopSignal int

const (
	softStop stopSignal = iota
	hardStop
)

// setProcessGroup places the command in its own process group
// so that signals reach any children it spawns.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig stopSignal) error {
	s := unix.SIGTERM
	if sig == hardStop {
		s = unix.SIGKILL
	}
	return unix.Kill(-p.Pid, s)
}
