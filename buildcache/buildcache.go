// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package buildcache provides a durable record of completed builds,
// keyed by source revision and build configuration.
package buildcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"tsqa.256lights.llc/pkg/internal/osutil"
	"tsqa.256lights.llc/pkg/internal/xmaps"
	"zombiezen.com/go/log"
)

// FileName is the name of the cache file inside a cache directory.
const FileName = "env_cache_map.json"

// Key identifies a build.
type Key struct {
	// SourceHash is the revision identifier of the source tree.
	SourceHash string
	// BuildKey is the digest of the build configuration.
	BuildKey string
}

func (k Key) String() string {
	return k.SourceHash + "/" + k.BuildKey
}

// Entry describes a completed build.
type Entry struct {
	// Path is the absolute path to the installed prefix.
	Path string `json:"path"`
	// Configuration is the configure argument list used for the build.
	Configuration []string `json:"configuration"`
	// Env is the whitelisted environment used for the build.
	Env map[string]string `json:"env"`
}

func (e Entry) clone() Entry {
	e.Configuration = slices.Clone(e.Configuration)
	e.Env = maps.Clone(e.Env)
	return e
}

// A Cache is a persistent map of [Key] to [Entry]
// backed by a JSON file in a directory.
// Every mutation is written through to disk before returning.
// Methods on Cache are safe to call from multiple goroutines.
//
// There should be at most one Cache per directory in a process.
// Callers share a Cache by passing the same *Cache around.
type Cache struct {
	dir   string
	locks mutexMap[Key]

	mu      sync.Mutex
	entries map[string]map[string]Entry
}

// Open creates dir if necessary and loads the cache stored in it.
func Open(ctx context.Context, dir string) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("open build cache: %v", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("open build cache: %v", err)
	}
	c := &Cache{dir: abs}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Lock acquires the build lock for k,
// blocking until it is available or ctx is done.
// Callers that build an entry hold the lock
// from checking the cache until the entry is stored,
// so that a key is built at most once per Cache.
// The returned function releases the lock.
func (c *Cache) Lock(ctx context.Context, k Key) (unlock func(), err error) {
	unlock, err = c.locks.lock(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("lock %v: %w", k, err)
	}
	return unlock, nil
}

// Dir returns the absolute path of the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) path() string {
	return filepath.Join(c.dir, FileName)
}

// Load replaces the in-memory state with the contents of the cache file.
// A missing or unparseable file results in an empty cache, not an error.
// Entries whose path is not an existing directory are pruned,
// and if any were pruned, the cache file is rewritten.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = nil
	data, err := os.ReadFile(c.path())
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf(ctx, "No build cache at %s", c.path())
		return nil
	}
	if err != nil {
		log.Debugf(ctx, "Ignoring unreadable build cache: %v", err)
		return nil
	}
	var entries map[string]map[string]Entry
	if err := jsonv2.Unmarshal(data, &entries, jsonv2.RejectUnknownMembers(false)); err != nil {
		log.Debugf(ctx, "Ignoring corrupt build cache %s: %v", c.path(), err)
		return nil
	}
	c.entries = entries
	if n := c.prune(ctx); n > 0 {
		log.Infof(ctx, "Pruned %d missing build(s) from %s", n, c.path())
		return c.save()
	}
	return nil
}

// Prune removes entries whose path is no longer a directory
// and returns the number of entries removed.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.prune(ctx)
	if n == 0 {
		return 0, nil
	}
	return n, c.save()
}

func (c *Cache) prune(ctx context.Context) int {
	n := 0
	for sourceHash, bucket := range c.entries {
		for buildKey, e := range bucket {
			if info, err := os.Stat(e.Path); err == nil && info.IsDir() {
				continue
			}
			log.Debugf(ctx, "Pruning build %s/%s: %s is not a directory", sourceHash, buildKey, e.Path)
			delete(bucket, buildKey)
			n++
		}
		if len(bucket) == 0 {
			delete(c.entries, sourceHash)
		}
	}
	return n
}

// Save writes the in-memory state to the cache file.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save()
}

func (c *Cache) save() error {
	entries := c.entries
	if entries == nil {
		entries = make(map[string]map[string]Entry)
	}
	data, err := jsonv2.Marshal(entries, jsonv2.Deterministic(true), jsontext.Multiline(true))
	if err != nil {
		return fmt.Errorf("save build cache: %v", err)
	}
	data = append(data, '\n')

	f, err := os.CreateTemp(c.dir, ".env_cache_map*.json")
	if err != nil {
		return fmt.Errorf("save build cache: %v", err)
	}
	tempPath := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tempPath, 0o644)
	}
	if err == nil {
		err = os.Rename(tempPath, c.path())
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("save build cache: %v", err)
	}
	return nil
}

// Get returns a copy of the entry stored under k.
func (c *Cache) Get(k Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k.SourceHash][k.BuildKey]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Set stores a copy of e under k, replacing any existing entry,
// and persists the cache.
func (c *Cache) Set(ctx context.Context, k Key, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]map[string]Entry)
	}
	bucket := c.entries[k.SourceHash]
	if bucket == nil {
		bucket = make(map[string]Entry)
		c.entries[k.SourceHash] = bucket
	}
	bucket[k.BuildKey] = e.clone()
	log.Debugf(ctx, "Caching build %v at %s", k, e.Path)
	return c.save()
}

// Delete removes the entry stored under k, if any, and persists the cache.
// The installed files are not removed.
func (c *Cache) Delete(ctx context.Context, k Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.entries[k.SourceHash]
	if !ok {
		return nil
	}
	if _, ok := bucket[k.BuildKey]; !ok {
		return nil
	}
	delete(bucket, k.BuildKey)
	if len(bucket) == 0 {
		delete(c.entries, k.SourceHash)
	}
	log.Debugf(ctx, "Removed build %v from cache", k)
	return c.save()
}

// DeleteSource removes every entry for the given source revision
// and returns the removed entries.
// The installed files are not removed.
func (c *Cache) DeleteSource(ctx context.Context, sourceHash string) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.entries[sourceHash]
	if !ok {
		return nil, nil
	}
	removed := make([]Entry, 0, len(bucket))
	for _, e := range xmaps.Sorted(bucket) {
		removed = append(removed, e.clone())
	}
	delete(c.entries, sourceHash)
	log.Debugf(ctx, "Removed %d build(s) for %s from cache", len(removed), sourceHash)
	return removed, c.save()
}

// Remove deletes the entry stored under k along with its installed files.
// Removal of files is best-effort: the entry is dropped even if it fails.
func (c *Cache) Remove(ctx context.Context, k Key) error {
	e, ok := c.Get(k)
	if !ok {
		return fmt.Errorf("remove %v: %w", k, fs.ErrNotExist)
	}
	if err := c.Delete(ctx, k); err != nil {
		return err
	}
	if err := osutil.RemoveAll(e.Path); err != nil {
		log.Warnf(ctx, "Remove build %v: %v", k, err)
	}
	return nil
}

// Len returns the number of entries in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, bucket := range c.entries {
		n += len(bucket)
	}
	return n
}

// All returns an iterator over a snapshot of the cache's entries
// in sorted key order.
func (c *Cache) All() iter.Seq2[Key, Entry] {
	type pair struct {
		k Key
		e Entry
	}
	c.mu.Lock()
	var snapshot []pair
	for sourceHash, bucket := range xmaps.Sorted(c.entries) {
		for buildKey, e := range xmaps.Sorted(bucket) {
			snapshot = append(snapshot, pair{Key{sourceHash, buildKey}, e.clone()})
		}
	}
	c.mu.Unlock()

	return func(yield func(Key, Entry) bool) {
		for _, p := range snapshot {
			if !yield(p.k, p.e) {
				return
			}
		}
	}
}
