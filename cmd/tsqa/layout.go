// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"tsqa.256lights.llc/pkg/layout"
)

func newLayoutCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "layout TOOL",
		Short:                 "show the directory layout reported by an installation's layout tool",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runLayout(cmd.Context(), os.Stdout, args[0])
	}
	return c
}

func runLayout(ctx context.Context, w io.Writer, tool string) error {
	l, err := layout.FromTool(ctx, tool)
	if err != nil {
		return err
	}
	return writeLayout(w, l)
}

func writeLayout(w io.Writer, l layout.Layout) error {
	if _, err := fmt.Fprintf(w, "prefix: %v\n", l); err != nil {
		return err
	}
	for _, d := range layout.Dirs() {
		path, ok, err := l.Path(d)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "%v: %s\n", d, path); err != nil {
			return err
		}
	}
	return nil
}
