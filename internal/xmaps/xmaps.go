// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package xmaps provides more generic functions in the spirit of the [maps] package.
package xmaps

import (
	"cmp"
	"iter"
	"slices"
)

// SortedKeys returns a slice of the map's keys in sorted order.
func SortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Sorted iterates over a map in sorted key order.
func Sorted[M ~map[K]V, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, k := range SortedKeys(m) {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

// Merge returns a new map containing the entries of every map in ms.
// When a key appears in more than one map, the last map wins.
// Merge never returns nil.
func Merge[M ~map[K]V, K comparable, V any](ms ...M) M {
	n := 0
	for _, m := range ms {
		n = max(n, len(m))
	}
	result := make(M, n)
	for _, m := range ms {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// Restrict returns a new map containing only the entries of m
// whose keys are in allow.
func Restrict[M ~map[K]V, K comparable, V any](m M, allow []K) M {
	result := make(M)
	for _, k := range allow {
		if v, ok := m[k]; ok {
			result[k] = v
		}
	}
	return result
}
