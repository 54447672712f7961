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

package connect

import (
	"bytes"
	"net"
	"sync/atomic"
	"time"

	"github.com/routegate/tunnel-sdk/transport"
)

// replayConn hands the proxy's buffered refusal back to a caller that
// expects to be talking to the destination. Reads replay the raw response
// bytes and then report EOF. Writes are accepted and discarded, so an HTTP
// client can flush its request before it starts reading. The real proxy
// socket is long gone by the time a replayConn exists.
type replayConn struct {
	response *bytes.Reader
	raddr    net.Addr
	closed   atomic.Bool
}

var _ transport.StreamConn = (*replayConn)(nil)

func newReplayConn(response []byte, raddr net.Addr) *replayConn {
	return &replayConn{response: bytes.NewReader(response), raddr: raddr}
}

func (c *replayConn) Read(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	return c.response.Read(b)
}

func (c *replayConn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	return len(b), nil
}

func (c *replayConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *replayConn) CloseRead() error  { return c.Close() }
func (c *replayConn) CloseWrite() error { return nil }

func (c *replayConn) LocalAddr() net.Addr  { return &net.TCPAddr{} }
func (c *replayConn) RemoteAddr() net.Addr { return c.raddr }

func (c *replayConn) SetDeadline(time.Time) error      { return nil }
func (c *replayConn) SetReadDeadline(time.Time) error  { return nil }
func (c *replayConn) SetWriteDeadline(time.Time) error { return nil }
