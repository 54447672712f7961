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

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRUEvictsExactlyOldest(t *testing.T) {
	var evicted []string
	c := NewLRU[string, int](3, func(key string, _ int) {
		evicted = append(evicted, key)
	})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	require.Equal(t, 3, c.Len())

	c.Set("d", 4)
	require.Equal(t, 3, c.Len())
	require.Equal(t, []string{"a"}, evicted)

	_, ok := c.Get("a")
	require.False(t, ok)
	for _, key := range []string{"b", "c", "d"} {
		_, ok := c.Get(key)
		require.True(t, ok, "expected %q to survive", key)
	}
}

func TestLRUHitRefreshesRecency(t *testing.T) {
	c := NewLRU[string, int](2, nil)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the oldest entry.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
}

func TestLRUPurgeNotifiesEachOnce(t *testing.T) {
	counts := make(map[string]int)
	c := NewLRU[string, int](4, func(key string, _ int) {
		counts[key]++
	})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Purge()
	require.Equal(t, 0, c.Len())
	require.Equal(t, map[string]int{"a": 1, "b": 1}, counts)
}

func TestTTLExpiryIsAMiss(t *testing.T) {
	c := NewTTL[string, int](4, 20*time.Millisecond)
	c.Set("a", 1)

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, got)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestTTLSizeBound(t *testing.T) {
	c := NewTTL[string, int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := NewLRU[string, int](16, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d", j%20)
				c.Set(key, n)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 16)
}
