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

package socks

import (
	"sync"
	"time"

	"github.com/routegate/tunnel-sdk/internal/sweeper"
	"github.com/routegate/tunnel-sdk/transport"
)

// Idle pool defaults.
const (
	DefaultPoolPerKey      = 2
	DefaultPoolIdleTimeout = 90 * time.Second
)

// PoolConfig enables reuse of established destination streams. Connections
// only ever return to the pool through an explicit [tunnel.Result].Release
// call; a connection the caller closes is simply gone.
type PoolConfig struct {
	// PerKey bounds the idle connections kept per destination. Zero means
	// [DefaultPoolPerKey].
	PerKey int
	// IdleTimeout is how long a released connection may sit idle before
	// the sweeper closes it. Zero means [DefaultPoolIdleTimeout].
	IdleTimeout time.Duration
}

type poolKey struct {
	host   string
	port   int
	secure bool
}

type idleConn struct {
	conn   transport.StreamConn
	idleAt time.Time
}

// pool keeps released destination streams, newest first, and closes the
// ones that outstay the idle timeout. The sweep is scheduled exactly at
// the earliest pending expiry rather than on a fixed tick.
type pool struct {
	perKey      int
	idleTimeout time.Duration
	alarm       *sweeper.Alarm
	done        chan struct{}

	mu        sync.Mutex
	idle      map[poolKey][]idleConn
	nextSweep time.Time
	closed    bool
}

func newPool(cfg *PoolConfig) *pool {
	perKey := cfg.PerKey
	if perKey <= 0 {
		perKey = DefaultPoolPerKey
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultPoolIdleTimeout
	}
	p := &pool{
		perKey:      perKey,
		idleTimeout: idleTimeout,
		alarm:       sweeper.NewAlarm(),
		done:        make(chan struct{}),
		idle:        make(map[poolKey][]idleConn),
	}
	go p.run()
	return p
}

func (p *pool) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.alarm.Expired():
			p.sweep(time.Now())
		}
	}
}

// checkout pops the most recently released connection for key, if any.
func (p *pool) checkout(key poolKey) (transport.StreamConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.idle[key]
	if len(list) == 0 {
		return nil, false
	}
	entry := list[len(list)-1]
	if len(list) == 1 {
		delete(p.idle, key)
	} else {
		p.idle[key] = list[:len(list)-1]
	}
	return entry.conn, true
}

// release parks conn for reuse. Over-capacity and post-close releases
// close the connection instead.
func (p *pool) release(key poolKey, conn transport.StreamConn) {
	now := time.Now()
	p.mu.Lock()
	if p.closed || len(p.idle[key]) >= p.perKey {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle[key] = append(p.idle[key], idleConn{conn: conn, idleAt: now})
	p.scheduleLocked(now.Add(p.idleTimeout))
	p.mu.Unlock()
}

// scheduleLocked arms the sweep alarm if expiry precedes the pending one.
func (p *pool) scheduleLocked(expiry time.Time) {
	if !p.nextSweep.IsZero() && !expiry.Before(p.nextSweep) {
		return
	}
	p.nextSweep = expiry
	p.alarm.Arm(expiry)
}

// sweep closes connections idle past the timeout and re-arms the alarm
// for the earliest survivor. With no survivors the alarm must still be
// disarmed, which rotates its spent channel out so the run loop blocks
// again.
func (p *pool) sweep(now time.Time) {
	var expired []transport.StreamConn
	p.mu.Lock()
	var earliest time.Time
	for key, list := range p.idle {
		kept := list[:0]
		for _, entry := range list {
			if now.Sub(entry.idleAt) >= p.idleTimeout {
				expired = append(expired, entry.conn)
				continue
			}
			if earliest.IsZero() || entry.idleAt.Before(earliest) {
				earliest = entry.idleAt
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.nextSweep = time.Time{}
	if !earliest.IsZero() {
		p.scheduleLocked(earliest.Add(p.idleTimeout))
	} else {
		p.alarm.Disarm()
	}
	p.mu.Unlock()
	for _, conn := range expired {
		conn.Close()
	}
}

// idleLen reports how many connections are parked for key.
func (p *pool) idleLen(key poolKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

// close shuts the sweeper down and closes every parked connection.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[poolKey][]idleConn)
	p.mu.Unlock()
	close(p.done)
	p.alarm.Disarm()
	for _, list := range idle {
		for _, entry := range list {
			entry.conn.Close()
		}
	}
}
