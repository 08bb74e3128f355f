// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package configs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestText(t *testing.T) {
	path := filepath.Join(t.TempDir(), RemapFile)
	txt, err := LoadText(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := txt.String(); got != "" {
		t.Errorf("LoadText(missing).String() = %q; want \"\"", got)
	}
	txt.AddLines("map http://a/ http://b/", "map http://c/ http://d/\n")
	if err := txt.Write(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	const want = "map http://a/ http://b/\nmap http://c/ http://d/\n"
	if string(got) != want {
		t.Errorf("file = %q; want %q", got, want)
	}
}
