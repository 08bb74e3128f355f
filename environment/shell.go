// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package environment

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"tsqa.256lights.llc/pkg/internal/osutil"
	"tsqa.256lights.llc/pkg/internal/xmaps"
	"tsqa.256lights.llc/pkg/layout"
)

// RootEnv is the environment variable that tells the server's programs
// where their installation is.
const RootEnv = "TS_ROOT"

// libraryPathVars are the dynamic linker search path variables
// that the sandbox's library directory is prepended to.
var libraryPathVars = []string{
	"LD_LIBRARY_PATH",
	"DYLD_LIBRARY_PATH",
}

// ShellEnv returns the environment that programs in the sandbox should run with:
// the current process environment with [RootEnv] set to the sandbox
// and the sandbox's library directory prepended to the dynamic linker search paths.
func (e *Environment) ShellEnv() (map[string]string, error) {
	return shellEnv(e.Layout())
}

func shellEnv(l layout.Layout) (map[string]string, error) {
	libDir, err := l.Join(layout.LibDir)
	if err != nil {
		return nil, err
	}
	env := osutil.Environ()
	env[RootEnv] = l.Prefix()
	for _, k := range libraryPathVars {
		v, ok := env[k]
		switch {
		case !ok || v == "":
			env[k] = libDir
		case !slices.Contains(filepath.SplitList(v), libDir):
			env[k] = libDir + string(filepath.ListSeparator) + v
		}
	}
	return env, nil
}

// writeRunScript writes an executable script to the sandbox root
// that runs its arguments with the sandbox's shell environment.
func writeRunScript(l layout.Layout) error {
	env, err := shellEnv(l)
	if err != nil {
		return err
	}
	sb := new(strings.Builder)
	sb.WriteString("#! /usr/bin/env sh\n\n")
	sb.WriteString("# run PROGRAM [ARGS ...]\n")
	sb.WriteString("# Run a program in this environment.\n\n")
	for k, v := range xmaps.Sorted(env) {
		if !isShellName(k) {
			continue
		}
		fmt.Fprintf(sb, "%s=\"%s\"\n", k, shellEscaper.Replace(v))
		fmt.Fprintf(sb, "export %s\n\n", k)
	}
	sb.WriteString("exec \"$@\"\n")
	return osutil.WriteFilePerm(filepath.Join(l.Prefix(), RunScriptName), []byte(sb.String()), 0o755)
}

// shellEscaper escapes characters that are special inside double quotes.
var shellEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"$", `\$`,
	"`", "\\`",
)

// isShellName reports whether s can be used as a shell variable name.
func isShellName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if !(c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || i > 0 && '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

// LayoutTool is the name of the program that reports
// an installation's layout and features.
const LayoutTool = "traffic_layout"

// Features runs the installation's layout tool in the sandbox
// and returns its report of compiled-in features.
func (e *Environment) Features(ctx context.Context) (map[string]jsontext.Value, error) {
	l := e.Layout()
	tool, err := l.Join(layout.BinDir, LayoutTool)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	env, err := shellEnv(l)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	c := exec.CommandContext(ctx, tool, "-fj")
	c.Env = osutil.EnvironList(env)
	stderr := new(strings.Builder)
	c.Stderr = stderr
	out, err := c.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("features: %v\n%s", err, stderr)
		}
		return nil, fmt.Errorf("features: %v", err)
	}
	var features map[string]jsontext.Value
	if err := jsonv2.Unmarshal(out, &features); err != nil {
		return nil, fmt.Errorf("features: %v", err)
	}
	return features, nil
}
