// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package layout describes the set of installation directories
// within a prefixed server installation.
package layout

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"path/filepath"
	"strings"

	"zombiezen.com/go/log"
)

// Dir is a symbolic name for one of the directories in an installation.
type Dir int

//go:generate go tool stringer -type=Dir -linecomment -output=dir_string.go

// Directories in a [Layout].
const (
	BinDir     Dir = iota + 1 // bindir
	IncludeDir                // includedir
	LibDir                    // libdir
	LogDir                    // logdir
	PluginDir                 // plugindir
	RuntimeDir                // runtimedir
	ConfigDir                 // sysconfdir

	numDirs = iota + 1
)

var (
	// ErrUnknownDir is returned for directory names that a [Layout] does not know about.
	ErrUnknownDir = errors.New("unknown directory name")
	// ErrNoPrefix is returned by [Layout.Join] when the layout has no prefix.
	ErrNoPrefix = errors.New("layout has no prefix")
)

// suffixes is the set of directories relative to the installation prefix.
// There are a few paths that are defined by the build that you just have to know.
var suffixes = [numDirs]string{
	BinDir:     "bin",
	IncludeDir: "include",
	LibDir:     "lib",
	LogDir:     filepath.Join("var", "log"),
	PluginDir:  filepath.Join("libexec", "trafficserver"),
	RuntimeDir: filepath.Join("var", "trafficserver"),
	ConfigDir:  filepath.Join("etc", "trafficserver"),
}

// Dirs returns every known directory in a stable order.
func Dirs() []Dir {
	dirs := make([]Dir, 0, numDirs-1)
	for d := BinDir; d < numDirs; d++ {
		dirs = append(dirs, d)
	}
	return dirs
}

// IsValid reports whether d is one of the known directories.
func (d Dir) IsValid() bool {
	return BinDir <= d && d < numDirs
}

// Suffix returns the path of d relative to an installation prefix.
func (d Dir) Suffix() (string, error) {
	if !d.IsValid() {
		return "", fmt.Errorf("%v: %w", d, ErrUnknownDir)
	}
	return suffixes[d], nil
}

// ParseDir returns the directory with the given symbolic name (e.g. "bindir").
// Matching is case-insensitive.
func ParseDir(name string) (Dir, error) {
	lower := strings.ToLower(name)
	for _, d := range Dirs() {
		if d.String() == lower {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, ErrUnknownDir)
}

// A Layout maps an installation prefix to the directories an instance occupies.
// The zero value is an empty layout: it has no prefix
// and so no paths can be resolved.
// Layouts are values and are safe to copy.
type Layout struct {
	prefix    string
	overrides map[Dir]string
}

// New returns a layout rooted at the given prefix.
// A relative prefix is made absolute.
// An empty prefix returns an empty layout.
func New(prefix string) Layout {
	if prefix == "" {
		return Layout{}
	}
	if abs, err := filepath.Abs(prefix); err == nil {
		prefix = abs
	}
	return Layout{prefix: filepath.Clean(prefix)}
}

// Prefix returns the installation prefix or the empty string if the layout is empty.
func (l Layout) Prefix() string {
	return l.prefix
}

// IsEmpty reports whether the layout has no prefix.
func (l Layout) IsEmpty() bool {
	return l.prefix == ""
}

// Path returns the absolute path of the directory d.
// If the layout has no prefix, then Path returns ok=false and a nil error.
// If d is not a known directory, Path returns an error that wraps [ErrUnknownDir].
func (l Layout) Path(d Dir) (path string, ok bool, err error) {
	suffix, err := d.Suffix()
	if err != nil {
		return "", false, err
	}
	if p := l.overrides[d]; p != "" {
		return p, true, nil
	}
	if l.prefix == "" {
		return "", false, nil
	}
	return filepath.Join(l.prefix, suffix), true, nil
}

// Join joins any number of path elements to the directory d.
// Unlike [Layout.Path], Join returns [ErrNoPrefix] for an empty layout.
func (l Layout) Join(d Dir, elem ...string) (string, error) {
	p, ok, err := l.Path(d)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("resolve %v: %w", d, ErrNoPrefix)
	}
	return filepath.Join(append([]string{p}, elem...)...), nil
}

// String returns the prefix or "<empty>".
func (l Layout) String() string {
	if l.prefix == "" {
		return "<empty>"
	}
	return l.prefix
}

// Parse reads a layout from the "KEY: value" report
// printed by an installation's layout tool.
// The PREFIX key sets the prefix.
// Keys that name a known directory (see [ParseDir])
// record that directory's absolute path.
// Other keys are ignored.
func Parse(r io.Reader) (Layout, error) {
	var l Layout
	s := bufio.NewScanner(r)
	for lineno := 1; s.Scan(); lineno++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return Layout{}, fmt.Errorf("parse layout: line %d: missing separator", lineno)
		}
		value = strings.TrimSpace(value)
		if strings.EqualFold(key, "prefix") {
			l.prefix = filepath.Clean(value)
			continue
		}
		d, err := ParseDir(key)
		if err != nil {
			continue
		}
		if l.overrides == nil {
			l.overrides = make(map[Dir]string)
		}
		l.overrides[d] = filepath.Clean(value)
	}
	if err := s.Err(); err != nil {
		return Layout{}, fmt.Errorf("parse layout: %v", err)
	}
	return l, nil
}

// FromTool runs the layout tool at the given path
// and parses its output with [Parse].
// This can be used to adopt an existing installation.
func FromTool(ctx context.Context, path string) (Layout, error) {
	c := exec.CommandContext(ctx, path)
	stderr := new(strings.Builder)
	c.Stderr = stderr
	out, err := c.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return Layout{}, fmt.Errorf("layout from %s: %v\n%s", path, err, stderr)
		}
		return Layout{}, fmt.Errorf("layout from %s: %v", path, err)
	}
	l, err := Parse(strings.NewReader(string(out)))
	if err != nil {
		return Layout{}, fmt.Errorf("layout from %s: %v", path, err)
	}
	log.Debugf(ctx, "Adopted layout %v from %s (%d overrides)", l, path, len(l.overrides))
	return l, nil
}

// Overrides returns a copy of the absolute directory paths
// recorded by [Parse].
func (l Layout) Overrides() map[Dir]string {
	return maps.Clone(l.overrides)
}
