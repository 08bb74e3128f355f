// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"tsqa.256lights.llc/pkg"
	"tsqa.256lights.llc/pkg/buildcache"
	"tsqa.256lights.llc/pkg/environment"
	"tsqa.256lights.llc/pkg/internal/buildlog"
	"tsqa.256lights.llc/pkg/internal/osutil"
)

// Environment variables that override configuration files.
const (
	sourceDirEnv = "TSQA_SRC_DIR"
	tmpDirEnv    = "TSQA_TMP_DIR"
	logLevelEnv  = "TSQA_LOG_LEVEL"
)

type globalConfig struct {
	Debug        bool              `json:"debug"`
	SourceDir    string            `json:"sourceDirectory"`
	CacheDir     string            `json:"cacheDirectory"`
	LayoutDir    string            `json:"layoutDirectory"`
	LayoutPrefix string            `json:"layoutPrefix"`
	Jobs         int               `json:"jobs"`
	Configure    tsqa.Configure    `json:"configure"`
	Env          map[string]string `json:"env"`
}

func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		SourceDir: ".",
	}
	if cd := cacheDir(); cd != "" {
		g.CacheDir = filepath.Join(cd, "tsqa")
	}
	return g
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv(sourceDirEnv); dir != "" {
		g.SourceDir = dir
	}
	if dir := os.Getenv(tmpDirEnv); dir != "" {
		g.CacheDir = dir
	}
	if dir := os.Getenv(environment.LayoutDirEnv); dir != "" {
		g.LayoutDir = dir
	}
	if prefix := os.Getenv(environment.LayoutPrefixEnv); prefix != "" {
		g.LayoutPrefix = prefix
	}
	switch level := os.Getenv(logLevelEnv); strings.ToUpper(level) {
	case "":
	case "DEBUG":
		g.Debug = true
	case "INFO", "WARN", "WARNING", "ERROR":
		g.Debug = false
	default:
		return fmt.Errorf("%s: unknown log level %q", logLevelEnv, level)
	}
	return nil
}

// mergeFiles reads each of the configuration files in paths in order,
// with later files taking precedence over earlier ones.
// Missing files are ignored.
func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (g *globalConfig) validate() error {
	if g.SourceDir == "" {
		return fmt.Errorf("source directory not set (use --source or %s)", sourceDirEnv)
	}
	if g.CacheDir == "" {
		return fmt.Errorf("cache directory not set (use --cache or %s)", tmpDirEnv)
	}
	if g.Jobs < 0 {
		return fmt.Errorf("jobs must be positive (got %d)", g.Jobs)
	}
	return nil
}

func (g *globalConfig) environmentOptions() *environment.Options {
	return &environment.Options{
		Dir:    g.LayoutDir,
		Prefix: g.LayoutPrefix,
	}
}

func (g *globalConfig) historyPath() string {
	return filepath.Join(g.CacheDir, buildlog.FileName)
}

// session is the set of resources shared by the commands that build.
type session struct {
	cache        *buildcache.Cache
	history      *buildlog.DB
	orchestrator *tsqa.Orchestrator
}

func (g *globalConfig) openSession(ctx context.Context) (*session, error) {
	cache, err := buildcache.Open(ctx, g.CacheDir)
	if err != nil {
		return nil, err
	}
	history := buildlog.Open(g.historyPath())
	o := tsqa.NewOrchestrator(g.SourceDir, cache, &tsqa.Options{
		DefaultConfigure: g.Configure,
		DefaultEnv:       mergeEnv(g.Env),
		Jobs:             g.Jobs,
		History:          history,
		Environment:      g.environmentOptions(),
	})
	return &session{
		cache:        cache,
		history:      history,
		orchestrator: o,
	}, nil
}

func (s *session) Close() error {
	return s.history.Close()
}

// mergeEnv overlays the configured environment on the process environment.
func mergeEnv(overrides map[string]string) map[string]string {
	env := osutil.Environ()
	for k, v := range overrides {
		env[k] = v
	}
	return env
}
