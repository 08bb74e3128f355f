// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package tsqa

import (
	"strconv"

	"tsqa.256lights.llc/pkg/internal/xmaps"
	"zombiezen.com/go/nix"
)

// EnvWhitelist is the set of environment variables
// that affect a build's output and so contribute to its build key.
// Other variables are passed to the build but do not affect its key.
var EnvWhitelist = []string{
	"PATH",
	"CC",
	"CXX",
	"CPP",
	"CFLAGS",
	"CXXFLAGS",
	"CPPFLAGS",
	"LDFLAGS",
	"PKG_CONFIG_PATH",
}

// BuildSpec is a fully resolved build configuration.
type BuildSpec struct {
	// Key is the digest of Configure and Env.
	// Two specs have the same Key if and only if
	// they have the same Configure and Env.
	Key string
	// Configure is the merged set of configure options.
	Configure Configure
	// Env is the merged build environment,
	// restricted to [EnvWhitelist].
	Env map[string]string

	// environ is the full merged environment the build runs with.
	environ map[string]string
}

// newBuildSpec merges the given configure options and environments
// (last write wins) and computes the build key.
func newBuildSpec(configure []Configure, env []map[string]string) BuildSpec {
	environ := xmaps.Merge(env...)
	spec := BuildSpec{
		Configure: mergeConfigure(configure...),
		Env:       xmaps.Restrict(environ, EnvWhitelist),
		environ:   environ,
	}
	spec.Key = buildKey(spec.Configure, spec.Env)
	return spec
}

// buildKey hashes the sorted configure options and environment.
// Bare flags and options with empty values hash differently.
func buildKey(configure Configure, env map[string]string) string {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("tsqa-build:")
	for name, value := range xmaps.Sorted(configure) {
		h.WriteString("configure:")
		h.WriteString(strconv.Quote(name))
		if value != nil {
			h.WriteString("=")
			h.WriteString(strconv.Quote(*value))
		}
		h.WriteString(";")
	}
	for name, value := range xmaps.Sorted(env) {
		h.WriteString("env:")
		h.WriteString(strconv.Quote(name))
		h.WriteString("=")
		h.WriteString(strconv.Quote(value))
		h.WriteString(";")
	}
	return h.SumHash().RawBase32()
}
