// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package tsqa

import "os/exec"

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine, no-op.
}
