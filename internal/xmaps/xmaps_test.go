// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package xmaps

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMerge(t *testing.T) {
	defaults := map[string]string{"PATH": "/bin", "CC": "gcc"}
	overrides := map[string]string{"CC": "clang", "LDFLAGS": "-s"}
	got := Merge(defaults, overrides)
	want := map[string]string{"PATH": "/bin", "CC": "clang", "LDFLAGS": "-s"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge(...) (-want +got):\n%s", diff)
	}
	if defaults["CC"] != "gcc" {
		t.Error("Merge modified its first argument")
	}
	if m := Merge[map[string]int](); m == nil {
		t.Error("Merge() = nil")
	}
}

func TestRestrict(t *testing.T) {
	env := map[string]string{"PATH": "/bin", "HOME": "/root", "TERM": "xterm"}
	got := Restrict(env, []string{"PATH", "CC"})
	want := map[string]string{"PATH": "/bin"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Restrict(...) (-want +got):\n%s", diff)
	}
}

func TestSorted(t *testing.T) {
	m := map[string]int{"b": 2, "c": 3, "a": 1}
	var keys []string
	for k, v := range Sorted(m) {
		if m[k] != v {
			t.Errorf("Sorted yielded %q, %d; want %q, %d", k, v, k, m[k])
		}
		keys = append(keys, k)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
}
