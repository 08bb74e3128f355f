// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package tsqa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"zombiezen.com/go/log"
)

// Stage is a step of the build pipeline.
type Stage string

// Build pipeline stages, in order.
const (
	StageSourceHash Stage = "source-hash"
	StageRegenerate Stage = "regenerate"
	StageConfigure  Stage = "configure"
	StageCompile    Stage = "compile"
	StageInstall    Stage = "install"
)

// stderrTailSize is the amount of a failed stage's standard error
// retained in a [BuildError].
const stderrTailSize = 16 << 10

// BuildError is returned when a build pipeline stage fails.
type BuildError struct {
	Stage Stage
	// ExitCode is the stage's exit code
	// or -1 if the stage could not be started or was killed by a signal.
	ExitCode int
	// Stderr is the tail of the stage's standard error.
	Stderr string
	Err    error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build failed at %s stage: %v", e.Stage, e.Err)
	if last := lastLine(e.Stderr); last != "" {
		msg += " (" + last + ")"
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// A stageCommand is a single command of the build pipeline.
type stageCommand struct {
	stage Stage
	dir   string
	argv  []string
	env   []string
}

func (sc *stageCommand) String() string {
	return strings.Join(sc.argv, " ")
}

// run runs the command, writing its output to logWriter.
// If the command fails, run returns a [*BuildError].
func (sc *stageCommand) run(ctx context.Context, logWriter io.Writer) error {
	if len(sc.argv) == 0 {
		return &BuildError{Stage: sc.stage, ExitCode: -1, Err: errors.New("empty command")}
	}
	c := exec.CommandContext(ctx, sc.argv[0], sc.argv[1:]...)
	setCancelFunc(c)
	c.Dir = sc.dir
	c.Env = sc.env
	tail := &tailBuffer{max: stderrTailSize}
	if log.IsEnabled(log.Debug) {
		c.Stdout = io.MultiWriter(logWriter, os.Stderr)
		c.Stderr = io.MultiWriter(logWriter, os.Stderr, tail)
	} else {
		c.Stdout = logWriter
		c.Stderr = io.MultiWriter(logWriter, tail)
	}

	log.Debugf(ctx, "Running %s stage: %v (in %s)", sc.stage, sc, sc.dir)
	fmt.Fprintf(logWriter, "+ %v\n", sc)
	if err := c.Run(); err != nil {
		exitCode := -1
		if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &BuildError{
			Stage:    sc.stage,
			ExitCode: exitCode,
			Stderr:   tail.String(),
			Err:      err,
		}
	}
	return nil
}

// tailBuffer is an [io.Writer] that retains the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= tb.max {
		tb.buf = append(tb.buf[:0], p[len(p)-tb.max:]...)
		return n, nil
	}
	if over := len(tb.buf) + len(p) - tb.max; over > 0 {
		tb.buf = append(tb.buf[:0], tb.buf[over:]...)
	}
	tb.buf = append(tb.buf, p...)
	return n, nil
}

func (tb *tailBuffer) String() string {
	return string(tb.buf)
}
