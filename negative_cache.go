// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package tsqa

import "sync"

// A NegativeCache remembers build keys whose builds have failed
// so that they are not retried.
// The zero value is an empty cache.
// A NegativeCache is safe to use from multiple goroutines
// and may be shared between [Orchestrator] values
// by setting [Options.NegativeCache].
type NegativeCache struct {
	mu sync.Mutex
	m  map[string]error
}

// Get returns the error recorded for the build key
// or nil if the key has no recorded failure.
func (nc *NegativeCache) Get(key string) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.m[key]
}

// Put records a build failure.
func (nc *NegativeCache) Put(key string, err error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.m == nil {
		nc.m = make(map[string]error)
	}
	nc.m[key] = err
}

// Forget removes any failure recorded for the build key,
// allowing the build to be attempted again.
func (nc *NegativeCache) Forget(key string) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	delete(nc.m, key)
}

// Len returns the number of recorded failures.
func (nc *NegativeCache) Len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.m)
}
