// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package environment

import (
	"os"
	"os/exec"
)

type stopSignal int

const (
	softStop stopSignal = iota
	hardStop
)

func setProcessGroup(c *exec.Cmd) {}

func signalGroup(p *os.Process, sig stopSignal) error {
	return p.Kill()
}
