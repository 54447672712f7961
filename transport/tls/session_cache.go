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

package tls

import (
	"crypto/tls"
	"time"

	"github.com/routegate/tunnel-sdk/internal/cache"
)

// sessionCache is a [tls.ClientSessionCache] that is bounded in both size
// and entry age, so stale sessions for servers we no longer talk to do not
// accumulate. The standard library keys entries by server name (or address
// when no name is set), which scopes reuse to the peer being resumed.
type sessionCache struct {
	sessions *cache.TTL[string, *tls.ClientSessionState]
}

var _ tls.ClientSessionCache = (*sessionCache)(nil)

// NewSessionCache returns a [tls.ClientSessionCache] holding at most size
// sessions, each kept for at most ttl.
func NewSessionCache(size int, ttl time.Duration) tls.ClientSessionCache {
	return &sessionCache{sessions: cache.NewTTL[string, *tls.ClientSessionState](size, ttl)}
}

func (c *sessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	return c.sessions.Get(sessionKey)
}

func (c *sessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	// The handshake code passes nil to invalidate a session.
	if cs == nil {
		c.sessions.Remove(sessionKey)
		return
	}
	c.sessions.Set(sessionKey, cs)
}
