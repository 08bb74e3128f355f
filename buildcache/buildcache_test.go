// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"tsqa.256lights.llc/pkg/internal/testcontext"
)

func TestSetGetPersists(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	install := filepath.Join(dir, "install-1")
	if err := os.Mkdir(install, 0o755); err != nil {
		t.Fatal(err)
	}

	c, err := Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Len(); got != 0 {
		t.Errorf("new cache Len() = %d; want 0", got)
	}
	k := Key{SourceHash: "abc123", BuildKey: "key1"}
	want := Entry{
		Path:          install,
		Configuration: []string{"--enable-debug", "--with-openssl=/usr"},
		Env:           map[string]string{"CC": "clang"},
	}
	if err := c.Set(ctx, k, want); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := c2.Get(k)
	if !ok {
		t.Fatalf("Get(%v) after reopen not found", k)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get(%v) after reopen (-want +got):\n%s", k, diff)
	}

	// Entries are copies.
	got.Env["CC"] = "gcc"
	if again, _ := c2.Get(k); again.Env["CC"] != "clang" {
		t.Errorf("mutating a returned entry changed the cache: Env[CC] = %q", again.Env["CC"])
	}
}

func TestLoadSaveIdempotent(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	c, err := Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, Key{"h2", "k"}, Entry{Path: filepath.Join(dir, "b")}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, Key{"h1", "k"}, Entry{Path: filepath.Join(dir, "a"), Env: map[string]string{"Z": "1", "A": "2"}}); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("cache file changed after Load+Save:\nbefore:\n%s\nafter:\n%s", first, second)
	}
}

func TestLoadPrunesMissing(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep")
	gone := filepath.Join(dir, "gone")
	for _, p := range []string{keep, gone} {
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	c, err := Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	keepKey := Key{"h1", "keep"}
	goneKey := Key{"h2", "gone"}
	if err := c.Set(ctx, keepKey, Entry{Path: keep}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, goneKey, Entry{Path: gone}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}

	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(goneKey); ok {
		t.Errorf("Get(%v) found entry for missing directory", goneKey)
	}
	if _, ok := c.Get(keepKey); !ok {
		t.Errorf("Get(%v) not found", keepKey)
	}

	// The prune must have been persisted.
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte(`"h2"`)) {
		t.Errorf("cache file still mentions pruned source hash:\n%s", data)
	}
}

func TestLoadCorrupt(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(ctx, dir)
	if err != nil {
		t.Fatal("Open with corrupt cache file:", err)
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d; want 0", got)
	}
}

func TestDeleteAndAll(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	c, err := Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	keys := []Key{{"h1", "a"}, {"h1", "b"}, {"h2", "a"}}
	for i, k := range keys {
		p := filepath.Join(dir, k.SourceHash+k.BuildKey)
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := c.Set(ctx, keys[len(keys)-1-i], Entry{Path: p}); err != nil {
			t.Fatal(err)
		}
	}
	var got []Key
	for k := range c.All() {
		got = append(got, k)
	}
	if diff := cmp.Diff(keys, got); diff != "" {
		t.Errorf("All() keys (-want +got):\n%s", diff)
	}

	if err := c.Delete(ctx, Key{"h2", "a"}); err != nil {
		t.Fatal(err)
	}
	removed, err := c.DeleteSource(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("DeleteSource(\"h1\") removed %d entries; want 2", len(removed))
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() after deletes = %d; want 0", got)
	}
}

func TestRemove(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	c, err := Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	install := filepath.Join(dir, "install")
	if err := os.MkdirAll(filepath.Join(install, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	k := Key{"h", "k"}
	if err := c.Set(ctx, k, Entry{Path: install}); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(ctx, k); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(install); !os.IsNotExist(err) {
		t.Errorf("install directory still present after Remove: %v", err)
	}
	if _, ok := c.Get(k); ok {
		t.Errorf("Get(%v) found entry after Remove", k)
	}
}

func TestLock(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	c, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	k1 := Key{SourceHash: "abc", BuildKey: "k1"}
	k2 := Key{SourceHash: "abc", BuildKey: "k2"}

	unlock1, err := c.Lock(ctx, k1)
	if err != nil {
		t.Fatal(err)
	}
	unlock2, err := c.Lock(ctx, k2)
	if err != nil {
		t.Fatal("Lock on a different key:", err)
	}
	unlock2()

	shortCtx, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = c.Lock(shortCtx, k1)
	cancelShort()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock on held key = %v; want %v", err, context.DeadlineExceeded)
	}

	acquired := make(chan struct{})
	go func() {
		unlock, err := c.Lock(ctx, k1)
		if err != nil {
			t.Error(err)
			close(acquired)
			return
		}
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("Lock acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock1()
	<-acquired
}
