// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"tsqa.256lights.llc/pkg"
	"tsqa.256lights.llc/pkg/internal/xmaps"
	"zombiezen.com/go/log"
)

type buildOptions struct {
	configure configureFlag
	env       envFlag
}

func (opts *buildOptions) addFlags(fs *pflag.FlagSet) {
	fs.Var(&opts.configure, "configure", "pass `name[=value]` to configure as --name[=value] (repeatable)")
	fs.Var(&opts.env, "env", "set `KEY=value` in the build environment (repeatable)")
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options]",
		Short:                 "build the source tree or reuse a cached build",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	opts.addFlags(c.Flags())
	keyOnly := c.Flags().Bool("key", false, "print the build key without building")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if *keyOnly {
			return runBuildKey(g, opts)
		}
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuildKey(g *globalConfig, opts *buildOptions) error {
	o := tsqa.NewOrchestrator(g.SourceDir, nil, &tsqa.Options{
		DefaultConfigure: g.Configure,
		DefaultEnv:       mergeEnv(g.Env),
	})
	spec := o.ResolveBuildKey(tsqa.Configure(opts.configure), opts.env)
	fmt.Println(spec.Key)
	return nil
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	s, err := g.openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	l, err := s.orchestrator.GetLayout(ctx, tsqa.Configure(opts.configure), opts.env)
	if err != nil {
		return err
	}
	fmt.Println(l.Prefix())
	return nil
}

type envOptions struct {
	buildOptions
	start bool
	shell bool
}

func newEnvCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "env [options]",
		Short:                 "create an isolated environment from a build",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(envOptions)
	opts.addFlags(c.Flags())
	c.Flags().BoolVar(&opts.start, "start", false, "start the daemon and run until interrupted, then remove the environment")
	c.Flags().BoolVar(&opts.shell, "shell", false, "print the environment's shell variables")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runEnv(cmd.Context(), g, opts)
	}
	return c
}

func runEnv(ctx context.Context, g *globalConfig, opts *envOptions) error {
	s, err := g.openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	e, err := s.orchestrator.GetEnvironment(ctx, tsqa.Configure(opts.configure), opts.env)
	if err != nil {
		return err
	}
	if opts.start {
		defer e.Destroy(context.WithoutCancel(ctx))
	}

	fmt.Println(e.Layout().Prefix())
	ports := make([]string, 0, len(e.HostPorts()))
	for _, hp := range e.HostPorts() {
		ports = append(ports, hp.String())
	}
	fmt.Println(strings.Join(ports, " "))
	if opts.shell {
		env, err := e.ShellEnv()
		if err != nil {
			return err
		}
		for k, v := range xmaps.Sorted(env) {
			fmt.Printf("%s=%s\n", k, v)
		}
	}
	if !opts.start {
		return nil
	}

	if err := e.Start(ctx); err != nil {
		return err
	}
	log.Infof(ctx, "Daemon running in %s; interrupt to stop", e.Layout().Prefix())
	<-ctx.Done()
	log.Infof(ctx, "Stopping daemon")
	return e.Stop(context.WithoutCancel(ctx))
}
