// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package testcontext provides a [context.Context] suitable for tests.
package testcontext

import (
	"context"
	"testing"
	"time"

	"zombiezen.com/go/log/testlog"
)

// gracePeriod is reserved before the test deadline
// so that cleanup (e.g. stopping daemons) can still run.
const gracePeriod = 5 * time.Second

// New returns a context that associates the test logger with the test
// and obeys the test's deadline if present, less a short grace period.
// The context is also canceled when the test finishes.
func New(tb testing.TB) (context.Context, context.CancelFunc) {
	ctx := tb.Context()
	cancel := context.CancelFunc(func() {})
	if d, ok := deadline(tb); ok {
		if early := d.Add(-gracePeriod); time.Until(early) > 0 {
			d = early
		}
		ctx, cancel = context.WithDeadline(ctx, d)
	}
	ctx = testlog.WithTB(ctx, tb)
	return ctx, cancel
}

func deadline(x any) (deadline time.Time, ok bool) {
	d, ok := x.(interface {
		Deadline() (deadline time.Time, ok bool)
	})
	if !ok {
		return time.Time{}, false
	}
	return d.Deadline()
}
