// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// tsqa builds a server from source and provisions isolated test environments from the build.
package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "tsqa",
		Short:         "build a server and provision test environments",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(slices.Values(configPaths())); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")
	rootCommand.PersistentFlags().StringVar(&g.SourceDir, "source", g.SourceDir, "source tree `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.CacheDir, "cache", g.CacheDir, "build cache `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.LayoutDir, "layout-dir", g.LayoutDir, "parent `dir`ectory for environments")
	rootCommand.PersistentFlags().IntVarP(&g.Jobs, "jobs", "j", g.Jobs, "`number` of parallel make jobs")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newEnvCommand(g),
		newCacheCommand(g),
		newHistoryCommand(g),
		newLayoutCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "tsqa: ", log.StdFlags, nil),
		})
	})
}
