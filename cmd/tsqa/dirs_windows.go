// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
)

func cacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir
}

func configPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(dir, "tsqa", "config.jwcc")}
}
