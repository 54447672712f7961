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
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (c *fakeConn) Write(b []byte) (int, error)        { return len(b), nil }
func (c *fakeConn) Close() error                       { c.closed.Store(true); return nil }
func (c *fakeConn) CloseRead() error                   { return nil }
func (c *fakeConn) CloseWrite() error                  { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func TestPoolCheckoutEmpty(t *testing.T) {
	p := newPool(&PoolConfig{})
	defer p.close()
	_, ok := p.checkout(poolKey{host: "a", port: 80})
	assert.False(t, ok)
}

func TestPoolCheckoutLIFO(t *testing.T) {
	p := newPool(&PoolConfig{})
	defer p.close()
	key := poolKey{host: "a", port: 80}
	first, second := &fakeConn{}, &fakeConn{}
	p.release(key, first)
	p.release(key, second)
	require.Equal(t, 2, p.idleLen(key))

	conn, ok := p.checkout(key)
	require.True(t, ok)
	assert.Same(t, second, conn, "most recently parked connection comes back first")
	conn, ok = p.checkout(key)
	require.True(t, ok)
	assert.Same(t, first, conn)
	_, ok = p.checkout(key)
	assert.False(t, ok)
}

func TestPoolKeysAreIndependent(t *testing.T) {
	p := newPool(&PoolConfig{})
	defer p.close()
	plain := poolKey{host: "a", port: 80}
	secure := poolKey{host: "a", port: 80, secure: true}
	conn := &fakeConn{}
	p.release(plain, conn)

	_, ok := p.checkout(secure)
	assert.False(t, ok, "a TLS stream key must not yield a plaintext stream")
	got, ok := p.checkout(plain)
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestPoolPerKeyBound(t *testing.T) {
	p := newPool(&PoolConfig{PerKey: 1})
	defer p.close()
	key := poolKey{host: "a", port: 80}
	kept, spilled := &fakeConn{}, &fakeConn{}
	p.release(key, kept)
	p.release(key, spilled)

	assert.Equal(t, 1, p.idleLen(key))
	assert.True(t, spilled.closed.Load(), "overflow past the per-key bound closes the connection")
	assert.False(t, kept.closed.Load())
}

func TestPoolSweepClosesExpired(t *testing.T) {
	p := newPool(&PoolConfig{IdleTimeout: 300 * time.Millisecond})
	defer p.close()
	key := poolKey{host: "a", port: 80}
	early, late := &fakeConn{}, &fakeConn{}
	p.release(key, early)
	time.Sleep(150 * time.Millisecond)
	p.release(key, late)

	require.Eventually(t, early.closed.Load, time.Second, 10*time.Millisecond)
	assert.False(t, late.closed.Load(), "the sweep must keep streams that are not yet idle long enough")
	assert.Equal(t, 1, p.idleLen(key))
	require.Eventually(t, late.closed.Load, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.idleLen(key))
}

func TestPoolCheckedOutSurvivesSweep(t *testing.T) {
	p := newPool(&PoolConfig{IdleTimeout: 50 * time.Millisecond})
	defer p.close()
	key := poolKey{host: "a", port: 80}
	conn := &fakeConn{}
	p.release(key, conn)
	got, ok := p.checkout(key)
	require.True(t, ok)
	require.Same(t, conn, got)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, conn.closed.Load(), "only parked connections belong to the pool")
}

func TestPoolClose(t *testing.T) {
	p := newPool(&PoolConfig{})
	key := poolKey{host: "a", port: 80}
	parked := &fakeConn{}
	p.release(key, parked)
	p.close()

	assert.True(t, parked.closed.Load())
	_, ok := p.checkout(key)
	assert.False(t, ok)

	straggler := &fakeConn{}
	p.release(key, straggler)
	assert.True(t, straggler.closed.Load(), "a release after close must not park the connection")
}
