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

package tunnel

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/routegate/tunnel-sdk/internal/testcert"
	tlsdialer "github.com/routegate/tunnel-sdk/transport/tls"
)

func splitAddr(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, portText, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)
	return host, port
}

func TestDirectPlain(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello"))
	}()

	host, port := splitAddr(t, listener.Addr())
	d := NewDirect(nil, SecurityDefault)
	defer d.Close()

	res, err := d.Establish(context.Background(), &Request{Host: host, Port: port, Security: SecurityPlain})
	require.NoError(t, err)
	defer res.Conn.Close()
	require.False(t, res.ViaProxy)
	require.Nil(t, res.ConnectResponse)
	require.NoError(t, iotest.TestReader(res.Conn, []byte("hello")))
}

func TestDirectTLS(t *testing.T) {
	ca := testcert.NewCA(t)
	tcpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := tls.NewListener(tcpListener, &tls.Config{
		Certificates: []tls.Certificate{ca.Leaf(t, "127.0.0.1")},
	})
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("secure"))
	}()

	host, port := splitAddr(t, listener.Addr())
	d := NewDirect(nil, SecurityDefault, tlsdialer.WithRootCAs(ca.Pool))
	defer d.Close()

	res, err := d.Establish(context.Background(), &Request{Host: host, Port: port, Security: SecurityTLS})
	require.NoError(t, err)
	defer res.Conn.Close()
	require.NoError(t, iotest.TestReader(res.Conn, []byte("secure")))
}

func TestDirectInvalidRequest(t *testing.T) {
	d := NewDirect(nil, SecurityDefault)
	_, err := d.Establish(context.Background(), &Request{Host: "", Port: 80})
	var invalidErr *InvalidRequestError
	require.ErrorAs(t, err, &invalidErr)
}

func TestDirectDialFailure(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := splitAddr(t, listener.Addr())
	listener.Close()

	d := NewDirect(nil, SecurityDefault)
	_, err = d.Establish(context.Background(), &Request{Host: host, Port: port, Security: SecurityPlain})
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
}

func TestDirectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDirect(nil, SecurityDefault)
	_, err := d.Establish(ctx, &Request{Host: "192.0.2.1", Port: 80, Security: SecurityPlain})
	require.ErrorIs(t, err, context.Canceled)
}
