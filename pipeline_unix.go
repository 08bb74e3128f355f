// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

//go:build unix

package tsqa

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}
