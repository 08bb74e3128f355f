// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"tsqa.256lights.llc/pkg/internal/buildlog"
	"zombiezen.com/go/log"
)

type historyOptions struct {
	limit     int
	olderThan time.Duration
}

func newHistoryCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "history [options]",
		Short:                 "show recent build attempts",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(historyOptions)
	c.Flags().IntVarP(&opts.limit, "limit", "n", 20, "show at most `n` attempts")
	c.Flags().DurationVar(&opts.olderThan, "delete-older-than", 0, "delete attempts started more than `duration` ago instead of listing")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runHistory(cmd.Context(), g, os.Stdout, opts)
	}
	return c
}

func runHistory(ctx context.Context, g *globalConfig, w io.Writer, opts *historyOptions) (err error) {
	db := buildlog.Open(g.historyPath())
	defer func() {
		if closeErr := db.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	if opts.olderThan > 0 {
		n, err := db.DeleteBefore(ctx, time.Now().Add(-opts.olderThan))
		if err != nil {
			return err
		}
		log.Infof(ctx, "Deleted %d attempt(s)", n)
		return nil
	}

	attempts, err := db.Recent(ctx, opts.limit)
	if err != nil {
		return err
	}
	return writeHistory(w, attempts, time.Now())
}

func writeHistory(w io.Writer, attempts []*buildlog.Attempt, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKEY\tSTATUS\tDURATION\tLOG")
	for _, a := range attempts {
		status := string(a.Status)
		if a.Status == buildlog.Fail && a.Stage != "" {
			status = fmt.Sprintf("%s (%s, exit %d)", a.Status, a.Stage, a.ExitCode)
		}
		duration := "-"
		if d := a.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(a.StartedAt, now, "ago", "from now"),
			a.BuildKey, status, duration, a.LogPath)
	}
	return tw.Flush()
}
