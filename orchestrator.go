// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package tsqa builds a server application from source exactly once
// per (source revision, build configuration)
// and hands out isolated, runnable copies of the resulting installation.
package tsqa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"tsqa.256lights.llc/pkg/buildcache"
	"tsqa.256lights.llc/pkg/environment"
	"tsqa.256lights.llc/pkg/internal/buildlog"
	"tsqa.256lights.llc/pkg/internal/osutil"
	"tsqa.256lights.llc/pkg/layout"
	"zombiezen.com/go/log"
)

// LogDirName is the name of the directory inside the cache directory
// that holds build logs.
const LogDirName = "logs"

// Options is the set of optional parameters to [NewOrchestrator].
type Options struct {
	// DefaultConfigure is the set of configure options
	// that every build starts from.
	DefaultConfigure Configure
	// DefaultEnv is the environment that every build starts from.
	// If nil, the current process environment is used.
	DefaultEnv map[string]string
	// BuildDir is the directory to run configure and make in.
	// If empty, a temporary directory is created for each build
	// and removed afterward.
	BuildDir string
	// Jobs is the parallelism passed to make.
	// If non-positive, the number of CPUs is used.
	Jobs int

	// NegativeCache records failed builds.
	// If nil, the orchestrator uses its own.
	NegativeCache *NegativeCache
	// History, if not nil, receives a record of every build attempt.
	History *buildlog.DB
	// Environment is passed to [environment.New]
	// for environments returned by [Orchestrator.GetEnvironment].
	Environment *environment.Options

	// Git is the command used to identify the source revision.
	// If empty, "git" is used.
	Git []string
	// Autoreconf is the command that regenerates the configure script.
	// If empty, "autoreconf -if" is used.
	Autoreconf []string
	// Make is the make command.
	// If empty, "make" is used.
	Make []string
}

// An Orchestrator turns (configure options, environment) pairs
// into installed builds of a single source tree,
// consulting and populating a [buildcache.Cache].
// It is safe to call methods on an Orchestrator from multiple goroutines.
type Orchestrator struct {
	sourceDir        string
	cache            *buildcache.Cache
	defaultConfigure Configure
	defaultEnv       map[string]string
	buildDir         string
	jobs             int
	negative         *NegativeCache
	history          *buildlog.DB
	envOpts          *environment.Options
	git              []string
	autoreconf       []string
	make             []string


	sourceHashMu sync.Mutex
	sourceHash   string
}

// NewOrchestrator returns a new orchestrator
// for the source tree at sourceDir.
// The source tree is assumed not to change
// for the lifetime of the orchestrator.
func NewOrchestrator(sourceDir string, cache *buildcache.Cache, opts *Options) *Orchestrator {
	if opts == nil {
		opts = new(Options)
	}
	if abs, err := filepath.Abs(sourceDir); err == nil {
		sourceDir = abs
	}
	o := &Orchestrator{
		sourceDir:        sourceDir,
		cache:            cache,
		defaultConfigure: opts.DefaultConfigure.Clone(),
		defaultEnv:       opts.DefaultEnv,
		buildDir:         opts.BuildDir,
		jobs:             opts.Jobs,
		negative:         opts.NegativeCache,
		history:          opts.History,
		envOpts:          opts.Environment,
		git:              slices.Clone(opts.Git),
		autoreconf:       slices.Clone(opts.Autoreconf),
		make:             slices.Clone(opts.Make),
	}
	if o.defaultEnv == nil {
		o.defaultEnv = osutil.Environ()
	}
	if o.jobs <= 0 {
		o.jobs = max(1, runtime.NumCPU())
	}
	if o.negative == nil {
		o.negative = new(NegativeCache)
	}
	if len(o.git) == 0 {
		o.git = []string{"git"}
	}
	if len(o.autoreconf) == 0 {
		o.autoreconf = []string{"autoreconf", "-if"}
	}
	if len(o.make) == 0 {
		o.make = []string{"make"}
	}
	return o
}

// SourceDir returns the absolute path to the source tree.
func (o *Orchestrator) SourceDir() string {
	return o.sourceDir
}

// SourceHash returns the revision identifier of the source tree.
// The first successful result is memoized.
// Failures are reported as a [*BuildError] for the source-hash stage.
func (o *Orchestrator) SourceHash(ctx context.Context) (string, error) {
	o.sourceHashMu.Lock()
	defer o.sourceHashMu.Unlock()
	if o.sourceHash != "" {
		return o.sourceHash, nil
	}

	argv := append(slices.Clone(o.git), "rev-parse", "HEAD")
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	setCancelFunc(c)
	c.Dir = o.sourceDir
	stderr := new(strings.Builder)
	c.Stderr = stderr
	out, err := c.Output()
	if err != nil {
		exitCode := -1
		if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &BuildError{
			Stage:    StageSourceHash,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      fmt.Errorf("%s: %w", o.sourceDir, err),
		}
	}
	hash := strings.TrimSpace(string(out))
	if hash == "" {
		return "", &BuildError{
			Stage: StageSourceHash,
			Err:   fmt.Errorf("%s: empty output", o.sourceDir),
		}
	}
	log.Debugf(ctx, "Source tree %s is at %s", o.sourceDir, hash)
	o.sourceHash = hash
	return hash, nil
}

// ResolveBuildKey merges configure and env over the orchestrator's defaults
// and returns the resulting build configuration.
// Nil arguments mean "use the defaults".
func (o *Orchestrator) ResolveBuildKey(configure Configure, env map[string]string) BuildSpec {
	return newBuildSpec(
		[]Configure{o.defaultConfigure, configure},
		[]map[string]string{o.defaultEnv, env},
	)
}

// GetLayout returns the layout of an installed build
// for the given configure options and environment,
// building it if it is not already in the cache.
// Builds that fail are not retried:
// subsequent calls with the same configuration return the same error.
// Builds interrupted by ctx are not remembered as failures.
func (o *Orchestrator) GetLayout(ctx context.Context, configure Configure, env map[string]string) (layout.Layout, error) {
	sourceHash, err := o.SourceHash(ctx)
	if err != nil {
		return layout.Layout{}, err
	}
	spec := o.ResolveBuildKey(configure, env)
	k := buildcache.Key{SourceHash: sourceHash, BuildKey: spec.Key}
	if log.IsEnabled(log.Debug) {
		log.Debugf(ctx, "Build key is %s (configure %q, env %v)", spec.Key, spec.Configure.Args(), spec.Env)
	}

	if l, done, err := o.lookup(k); done {
		return l, err
	}
	unlock, err := o.cache.Lock(ctx, k)
	if err != nil {
		return layout.Layout{}, fmt.Errorf("get layout: %w", err)
	}
	defer unlock()
	// Another goroutine or orchestrator may have finished the build while we waited.
	if l, done, err := o.lookup(k); done {
		return l, err
	}

	installPath, err := o.build(ctx, k, spec)
	if err != nil {
		// An interrupted build says nothing about the configuration.
		if ctx.Err() == nil {
			o.negative.Put(k.String(), err)
		}
		return layout.Layout{}, err
	}
	return layout.New(installPath), nil
}

// lookup consults the build cache and the negative cache.
// done is true if either cache has an answer for k.
func (o *Orchestrator) lookup(k buildcache.Key) (l layout.Layout, done bool, err error) {
	if e, ok := o.cache.Get(k); ok {
		return layout.New(e.Path), true, nil
	}
	if err := o.negative.Get(k.String()); err != nil {
		return layout.Layout{}, true, err
	}
	return layout.Layout{}, false, nil
}

// GetEnvironment returns a new environment cloned from the build
// for the given configure options and environment.
// See [Orchestrator.GetLayout] for details on building.
// The caller is responsible for calling [environment.Environment.Destroy].
func (o *Orchestrator) GetEnvironment(ctx context.Context, configure Configure, env map[string]string) (*environment.Environment, error) {
	l, err := o.GetLayout(ctx, configure, env)
	if err != nil {
		return nil, err
	}
	e := environment.New(o.envOpts)
	if err := e.Clone(ctx, l); err != nil {
		e.Destroy(ctx)
		return nil, err
	}
	return e, nil
}

// build runs the build pipeline and records the result in the cache.
func (o *Orchestrator) build(ctx context.Context, k buildcache.Key, spec BuildSpec) (installPath string, err error) {
	logDir := filepath.Join(o.cache.Dir(), LogDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("build %s: %v", spec.Key, err)
	}
	logPath := filepath.Join(logDir, logFileName(k))
	logFile, err := os.Create(logPath)
	if err != nil {
		return "", fmt.Errorf("build %s: %v", spec.Key, err)
	}
	defer logFile.Close()

	configureArgv := append([]string{filepath.Join(o.sourceDir, "configure"), "--prefix=/"}, spec.Configure.Args()...)
	attempt := &buildlog.Attempt{
		SourceHash:    k.SourceHash,
		BuildKey:      k.BuildKey,
		Configuration: configureArgv,
		LogPath:       logPath,
	}
	if o.history != nil {
		if err := o.history.Start(ctx, attempt); err != nil {
			log.Warnf(ctx, "%v", err)
		}
		defer func() {
			o.finishAttempt(ctx, attempt, installPath, err)
		}()
	}

	log.Infof(ctx, "Starting build (%s): configure %q", spec.Key, spec.Configure.Args())
	buildDir := o.buildDir
	if buildDir == "" {
		buildDir, err = os.MkdirTemp("", "tsqa-build-")
		if err != nil {
			return "", fmt.Errorf("build %s: %v", spec.Key, err)
		}
		defer func() {
			if err := osutil.RemoveAll(buildDir); err != nil {
				log.Warnf(ctx, "Clean up build directory: %v", err)
			}
		}()
	} else if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return "", fmt.Errorf("build %s: %v", spec.Key, err)
	}

	env := osutil.EnvironList(spec.environ)
	stages := []*stageCommand{
		{stage: StageRegenerate, dir: o.sourceDir, argv: o.autoreconf, env: env},
		{stage: StageConfigure, dir: buildDir, argv: configureArgv, env: env},
		{stage: StageCompile, dir: buildDir, argv: append(slices.Clone(o.make), fmt.Sprintf("-j%d", o.jobs)), env: env},
	}
	if err := runStages(ctx, logFile, stages); err != nil {
		return "", err
	}

	installPath, err = os.MkdirTemp(o.cache.Dir(), "install-")
	if err != nil {
		return "", fmt.Errorf("build %s: %v", spec.Key, err)
	}
	if err := os.Chmod(installPath, 0o755); err != nil {
		log.Debugf(ctx, "%v", err)
	}
	install := &stageCommand{
		stage: StageInstall,
		dir:   buildDir,
		argv:  append(slices.Clone(o.make), "install", "DESTDIR="+installPath),
		env:   env,
	}
	if err := runStages(ctx, logFile, []*stageCommand{install}); err != nil {
		if rmErr := osutil.RemoveAll(installPath); rmErr != nil {
			log.Warnf(ctx, "Clean up failed install: %v", rmErr)
		}
		return "", err
	}

	entry := buildcache.Entry{
		Path:          installPath,
		Configuration: configureArgv,
		Env:           spec.Env,
	}
	if err := o.cache.Set(ctx, k, entry); err != nil {
		// The in-memory cache still has the entry.
		log.Warnf(ctx, "%v", err)
	}
	log.Infof(ctx, "Build completed (%s): %s", spec.Key, installPath)
	return installPath, nil
}

// logFileName returns the name of the build log for k.
// Logs from other revisions of the same configuration are kept.
func logFileName(k buildcache.Key) string {
	return k.SourceHash + "-" + k.BuildKey + ".log"
}

func runStages(ctx context.Context, logWriter io.Writer, stages []*stageCommand) error {
	for _, sc := range stages {
		if err := sc.run(ctx, logWriter); err != nil {
			log.Errorf(ctx, "%v", err)
			return err
		}
	}
	return nil
}

func (o *Orchestrator) finishAttempt(ctx context.Context, a *buildlog.Attempt, installPath string, buildErr error) {
	a.InstallPath = installPath
	if buildErr == nil {
		a.Status = buildlog.Success
	} else {
		a.Status = buildlog.Fail
		a.ExitCode = -1
		if be := (*BuildError)(nil); errors.As(buildErr, &be) {
			a.Stage = string(be.Stage)
			a.ExitCode = be.ExitCode
		}
	}
	if err := o.history.Finish(ctx, a); err != nil {
		log.Warnf(ctx, "%v", err)
	}
}
