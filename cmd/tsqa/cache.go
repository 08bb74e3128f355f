// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"tsqa.256lights.llc/pkg/buildcache"
	"tsqa.256lights.llc/pkg/internal/osutil"
	"zombiezen.com/go/log"
)

func newCacheCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:           "cache COMMAND",
		Short:         "inspect and edit the build cache",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.AddCommand(
		newCacheListCommand(g),
		newCachePruneCommand(g),
		newCacheRemoveCommand(g),
	)
	return c
}

func newCacheListCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "list [options]",
		Aliases:               []string{"ls"},
		Short:                 "list cached builds",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	jsonOutput := c.Flags().Bool("json", false, "print cache as JSON (default if stdout is not a terminal)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		asJSON := *jsonOutput || !term.IsTerminal(int(os.Stdout.Fd()))
		return runCacheList(cmd.Context(), g, os.Stdout, asJSON)
	}
	return c
}

// cacheListItem is the JSON representation of a cache entry
// in the output of "tsqa cache list".
type cacheListItem struct {
	SourceHash    string            `json:"sourceHash"`
	BuildKey      string            `json:"buildKey"`
	Path          string            `json:"path"`
	Configuration []string          `json:"configuration"`
	Env           map[string]string `json:"env,omitempty"`
}

func runCacheList(ctx context.Context, g *globalConfig, w io.Writer, asJSON bool) error {
	cache, err := buildcache.Open(ctx, g.CacheDir)
	if err != nil {
		return err
	}
	var items []cacheListItem
	for k, e := range cache.All() {
		items = append(items, cacheListItem{
			SourceHash:    k.SourceHash,
			BuildKey:      k.BuildKey,
			Path:          e.Path,
			Configuration: e.Configuration,
			Env:           e.Env,
		})
	}

	if asJSON {
		if items == nil {
			items = []cacheListItem{}
		}
		data, err := jsonv2.Marshal(items, jsonv2.Deterministic(true), jsontext.Multiline(true))
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tKEY\tPATH\tCONFIGURE")
	for _, item := range items {
		configure := item.Configuration
		if len(configure) > 0 {
			// Omit the configure script path.
			configure = configure[1:]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			shortHash(item.SourceHash), item.BuildKey, item.Path, strings.Join(configure, " "))
	}
	return tw.Flush()
}

func shortHash(h string) string {
	const n = 12
	if len(h) <= n {
		return h
	}
	return h[:n]
}

func newCachePruneCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "prune",
		Short:                 "remove cache entries whose installation no longer exists",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cache, err := buildcache.Open(ctx, g.CacheDir)
		if err != nil {
			return err
		}
		n, err := cache.Prune(ctx)
		if err != nil {
			return err
		}
		log.Infof(ctx, "Pruned %d entries", n)
		return nil
	}
	return c
}

func newCacheRemoveCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "rm SOURCEHASH [BUILDKEY [...]]",
		Short:                 "remove builds and their installed files",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runCacheRemove(cmd.Context(), g, args[0], args[1:])
	}
	return c
}

func runCacheRemove(ctx context.Context, g *globalConfig, sourceHash string, buildKeys []string) error {
	cache, err := buildcache.Open(ctx, g.CacheDir)
	if err != nil {
		return err
	}
	if len(buildKeys) == 0 {
		removed, err := cache.DeleteSource(ctx, sourceHash)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return fmt.Errorf("no builds for %s in cache", sourceHash)
		}
		for _, e := range removed {
			if err := osutil.RemoveAll(e.Path); err != nil {
				log.Warnf(ctx, "%v", err)
			}
		}
		log.Infof(ctx, "Removed %d build(s) for %s", len(removed), sourceHash)
		return nil
	}
	for _, bk := range buildKeys {
		k := buildcache.Key{SourceHash: sourceHash, BuildKey: bk}
		if err := cache.Remove(ctx, k); err != nil {
			return err
		}
		log.Infof(ctx, "Removed %v", k)
	}
	return nil
}
