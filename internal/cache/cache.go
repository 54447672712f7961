// Copyright 2024 The RouteGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the bounded stores shared by the tunnel packages.
//
// Two flavors are offered: [TTL], where entries expire after a fixed
// duration and an expired entry is indistinguishable from a miss, and
// [LRU], a recency cache where a hit refreshes the entry and inserting
// into a full cache evicts exactly the oldest entry.
//
// Both are safe for concurrent use. Concurrent lookups racing on the same
// absent key may each miss and each store; the last store wins and no
// entry is corrupted.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTL is a size-bounded store whose entries expire ttl after insertion.
type TTL[K comparable, V any] struct {
	entries *expirable.LRU[K, V]
}

// NewTTL returns a [TTL] bounded at size entries. A size below 1 is treated
// as 1 so the store is always bounded. A ttl of zero makes entries
// effectively permanent until evicted by size pressure.
func NewTTL[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	if size < 1 {
		size = 1
	}
	return &TTL[K, V]{entries: expirable.NewLRU[K, V](size, nil, ttl)}
}

// Get returns the live value for key. Expired entries are misses.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.entries.Get(key)
}

// Set stores value under key, restarting its expiry clock.
// When the store is full, the oldest entry is evicted to make room.
func (c *TTL[K, V]) Set(key K, value V) {
	c.entries.Add(key, value)
}

// Remove drops key if present.
func (c *TTL[K, V]) Remove(key K) {
	c.entries.Remove(key)
}

// Len reports the number of stored entries, including any not yet swept
// after expiry.
func (c *TTL[K, V]) Len() int {
	return c.entries.Len()
}

// LRU is a size-bounded recency cache. A Get moves the entry to the
// freshest position. Adding to a full cache evicts exactly one entry, the
// least recently used one, invoking the eviction callback if set.
type LRU[K comparable, V any] struct {
	entries *lru.Cache[K, V]
}

// NewLRU returns an [LRU] bounded at size entries. A size below 1 is
// treated as 1. onEvict, if not nil, is called once for every entry that
// leaves the cache, whether by size pressure, [LRU.Remove], or [LRU.Purge].
func NewLRU[K comparable, V any](size int, onEvict func(key K, value V)) *LRU[K, V] {
	if size < 1 {
		size = 1
	}
	// NewWithEvict only fails on a non-positive size, which the clamp
	// above rules out.
	entries, err := lru.NewWithEvict(size, onEvict)
	if err != nil {
		panic(err)
	}
	return &LRU[K, V]{entries: entries}
}

// Get returns the value for key and refreshes its recency.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.entries.Get(key)
}

// Set stores value under key at the freshest position.
func (c *LRU[K, V]) Set(key K, value V) {
	c.entries.Add(key, value)
}

// Remove drops key if present, invoking the eviction callback.
func (c *LRU[K, V]) Remove(key K) {
	c.entries.Remove(key)
}

// Purge empties the cache, invoking the eviction callback once per entry.
func (c *LRU[K, V]) Purge() {
	c.entries.Purge()
}

// Len reports the number of stored entries.
func (c *LRU[K, V]) Len() int {
	return c.entries.Len()
}
