// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"path/filepath"
	"slices"

	"go4.org/xdgdir"
)

func cacheDir() string {
	return xdgdir.Cache.Path()
}

// configPaths returns the configuration files to read
// in order of increasing precedence.
func configPaths() []string {
	dirs := xdgdir.Config.SearchPaths()
	paths := make([]string, 0, len(dirs))
	for _, dir := range slices.Backward(dirs) {
		paths = append(paths, filepath.Join(dir, "tsqa", "config.jwcc"))
	}
	return paths
}
