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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"

	"github.com/routegate/tunnel-sdk/internal/testcert"
	tlsdialer "github.com/routegate/tunnel-sdk/transport/tls"
	"github.com/routegate/tunnel-sdk/tunnel"
)

func mustProxy(t *testing.T, rawURL string) *tunnel.Proxy {
	t.Helper()
	proxy, err := tunnel.ParseProxy(rawURL)
	require.NoError(t, err)
	return proxy
}

func startEcho(t *testing.T) (string, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	host, port := splitAddr(t, listener.Addr().String())
	return host, port
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", portStr)
	require.NoError(t, err)
	return host, port
}

func startSOCKS5Server(t *testing.T, options ...socks5.Option) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	server := socks5.NewServer(options...)
	go server.Serve(listener)
	return listener.Addr().String()
}

// staticResolver lets the SOCKS5 test server resolve made-up names.
type staticResolver map[string]string

func (r staticResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	if ip, ok := r[name]; ok {
		return ctx, net.ParseIP(ip), nil
	}
	return ctx, nil, fmt.Errorf("unknown host %q", name)
}

func roundTrip(t *testing.T, conn io.ReadWriter, payload string) {
	t.Helper()
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf))
}

func TestEstablishSOCKS5(t *testing.T) {
	host, port := startEcho(t)
	proxyAddr := startSOCKS5Server(t)

	tun, err := New(mustProxy(t, "socks5://"+proxyAddr), nil)
	require.NoError(t, err)
	defer tun.Close()

	result, err := tun.Establish(context.Background(), &tunnel.Request{Host: host, Port: port})
	require.NoError(t, err)
	defer result.Conn.Close()

	assert.False(t, result.ViaProxy)
	assert.Nil(t, result.Release, "no pool, no release")
	roundTrip(t, result.Conn, "ping")
}

func TestEstablishSOCKS5Credentials(t *testing.T) {
	host, port := startEcho(t)
	authenticator := socks5.UserPassAuthenticator{Credentials: socks5.StaticCredentials{
		"jdoe": "secret",
	}}
	proxyAddr := startSOCKS5Server(t, socks5.WithAuthMethods([]socks5.Authenticator{authenticator}))

	tun, err := New(mustProxy(t, "socks5://jdoe:secret@"+proxyAddr), nil)
	require.NoError(t, err)
	result, err := tun.Establish(context.Background(), &tunnel.Request{Host: host, Port: port})
	require.NoError(t, err)
	defer result.Conn.Close()
	roundTrip(t, result.Conn, "authenticated")

	bad, err := New(mustProxy(t, "socks5://jdoe:wrong@"+proxyAddr), nil)
	require.NoError(t, err)
	_, err = bad.Establish(context.Background(), &tunnel.Request{Host: host, Port: port})
	var connErr *tunnel.ConnectError
	require.ErrorAs(t, err, &connErr)
}

func TestEstablishSOCKS5HLeavesResolutionToProxy(t *testing.T) {
	_, port := startEcho(t)
	proxyAddr := startSOCKS5Server(t, socks5.WithResolver(staticResolver{"echo.test": "127.0.0.1"}))

	resolves := 0
	tun, err := New(mustProxy(t, "socks5h://"+proxyAddr), &Config{
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			resolves++
			return nil, errors.New("must not resolve on the client")
		},
	})
	require.NoError(t, err)

	result, err := tun.Establish(context.Background(), &tunnel.Request{Host: "echo.test", Port: port})
	require.NoError(t, err)
	defer result.Conn.Close()
	roundTrip(t, result.Conn, "via proxy dns")
	assert.Equal(t, 0, resolves)
}

func TestEstablishSOCKS5ResolvesLocallyWithCache(t *testing.T) {
	_, port := startEcho(t)
	// No resolver on the server: it only ever sees IPv4 addresses.
	proxyAddr := startSOCKS5Server(t)

	resolves := 0
	tun, err := New(mustProxy(t, "socks5://"+proxyAddr), &Config{
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			resolves++
			require.Equal(t, "echo.test", host)
			return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
		},
	})
	require.NoError(t, err)

	for range 2 {
		result, err := tun.Establish(context.Background(), &tunnel.Request{Host: "echo.test", Port: port})
		require.NoError(t, err)
		roundTrip(t, result.Conn, "cached")
		result.Conn.Close()
	}
	assert.Equal(t, 1, resolves, "second establishment must hit the DNS cache")
}

func TestEstablishSOCKS5DNSCacheExpires(t *testing.T) {
	_, port := startEcho(t)
	proxyAddr := startSOCKS5Server(t)

	resolves := 0
	tun, err := New(mustProxy(t, "socks5://"+proxyAddr), &Config{
		DNSCacheTTL: 50 * time.Millisecond,
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			resolves++
			return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
		},
	})
	require.NoError(t, err)

	establish := func() {
		result, err := tun.Establish(context.Background(), &tunnel.Request{Host: "echo.test", Port: port})
		require.NoError(t, err)
		result.Conn.Close()
	}
	establish()
	establish()
	require.Equal(t, 1, resolves)

	time.Sleep(80 * time.Millisecond)
	establish()
	assert.Equal(t, 2, resolves, "an expired entry must be resolved again")
}

func TestEstablishSOCKS5ResolveFailure(t *testing.T) {
	proxyAddr := startSOCKS5Server(t)
	tun, err := New(mustProxy(t, "socks5://"+proxyAddr), &Config{
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return nil, errors.New("nxdomain")
		},
	})
	require.NoError(t, err)
	_, err = tun.Establish(context.Background(), &tunnel.Request{Host: "missing.test", Port: 80})
	var connErr *tunnel.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorContains(t, err, "nxdomain")
}

// startSOCKS4Server verifies each incoming request byte-for-byte, answers
// with the given result code, and echoes afterwards when granted.
func startSOCKS4Server(t *testing.T, wantRequest []byte, reply byte) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				got := make([]byte, len(wantRequest))
				if _, err := io.ReadFull(conn, got); err != nil {
					return
				}
				assert.Equal(t, wantRequest, got)
				conn.Write([]byte{0, reply, 0, 0, 0, 0, 0, 0})
				if reply == socks4Granted {
					io.Copy(conn, conn)
				}
			}()
		}
	}()
	return listener.Addr().String()
}

func TestEstablishSOCKS4(t *testing.T) {
	// VN=4 CD=1 PORT=80 IP=192.0.2.7, empty userid.
	want := []byte{4, 1, 0, 80, 192, 0, 2, 7, 0}
	proxyAddr := startSOCKS4Server(t, want, socks4Granted)

	tun, err := New(mustProxy(t, "socks4://"+proxyAddr), nil)
	require.NoError(t, err)
	result, err := tun.Establish(context.Background(), &tunnel.Request{Host: "192.0.2.7", Port: 80})
	require.NoError(t, err)
	defer result.Conn.Close()
	roundTrip(t, result.Conn, "plain socks4")
}

func TestEstablishSOCKS4SendsUserID(t *testing.T) {
	want := append([]byte{4, 1, 0, 80, 192, 0, 2, 7}, append([]byte("jdoe"), 0)...)
	proxyAddr := startSOCKS4Server(t, want, socks4Granted)

	tun, err := New(mustProxy(t, "socks4://jdoe@"+proxyAddr), nil)
	require.NoError(t, err)
	result, err := tun.Establish(context.Background(), &tunnel.Request{Host: "192.0.2.7", Port: 80})
	require.NoError(t, err)
	result.Conn.Close()
}

func TestEstablishSOCKS4ALeavesResolutionToProxy(t *testing.T) {
	// The 0.0.0.1 marker address precedes the NUL-terminated hostname.
	want := append([]byte{4, 1, 31, 144, 0, 0, 0, 1, 0}, append([]byte("origin.test"), 0)...)
	proxyAddr := startSOCKS4Server(t, want, socks4Granted)

	tun, err := New(mustProxy(t, "socks4a://"+proxyAddr), &Config{
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return nil, errors.New("must not resolve on the client")
		},
	})
	require.NoError(t, err)
	result, err := tun.Establish(context.Background(), &tunnel.Request{Host: "origin.test", Port: 8080})
	require.NoError(t, err)
	result.Conn.Close()
}

func TestEstablishSOCKS4ResolvesLocally(t *testing.T) {
	want := []byte{4, 1, 0, 80, 127, 0, 0, 1, 0}
	proxyAddr := startSOCKS4Server(t, want, socks4Granted)

	resolves := 0
	tun, err := New(mustProxy(t, "socks4://"+proxyAddr), &Config{
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			resolves++
			return []netip.Addr{netip.MustParseAddr("::1"), netip.MustParseAddr("127.0.0.1")}, nil
		},
	})
	require.NoError(t, err)
	result, err := tun.Establish(context.Background(), &tunnel.Request{Host: "origin.test", Port: 80})
	require.NoError(t, err)
	result.Conn.Close()
	assert.Equal(t, 1, resolves, "SOCKS4 picks the first IPv4 address")
}

func TestEstablishSOCKS4RejectionCodes(t *testing.T) {
	want := []byte{4, 1, 0, 80, 192, 0, 2, 7, 0}
	for _, reply := range []V4Reply{ErrV4Rejected, ErrV4IdentdUnreached, ErrV4IdentdMismatched, V4Reply(0xFF)} {
		t.Run(reply.Error(), func(t *testing.T) {
			proxyAddr := startSOCKS4Server(t, want, byte(reply))
			tun, err := New(mustProxy(t, "socks4://"+proxyAddr), nil)
			require.NoError(t, err)
			_, err = tun.Establish(context.Background(), &tunnel.Request{Host: "192.0.2.7", Port: 80})
			var connErr *tunnel.ConnectError
			require.ErrorAs(t, err, &connErr)
			require.ErrorIs(t, err, reply)
		})
	}
}

func TestEstablishSOCKS4IPv6Destination(t *testing.T) {
	tun, err := New(mustProxy(t, "socks4://proxy.example.com:1080"), nil)
	require.NoError(t, err)
	_, err = tun.Establish(context.Background(), &tunnel.Request{Host: "2001:db8::1", Port: 80})
	var invalid *tunnel.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
}

func TestEstablishSOCKS4NoIPv4Address(t *testing.T) {
	tun, err := New(mustProxy(t, "socks4://proxy.example.com:1080"), &Config{
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return []netip.Addr{netip.MustParseAddr("2001:db8::1")}, nil
		},
	})
	require.NoError(t, err)
	_, err = tun.Establish(context.Background(), &tunnel.Request{Host: "v6only.test", Port: 80})
	var connErr *tunnel.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorContains(t, err, "no IPv4")
}

func TestEstablishSOCKS5TLSDestination(t *testing.T) {
	ca := testcert.NewCA(t)
	cert := ca.Leaf(t, "127.0.0.1")

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	proxyAddr := startSOCKS5Server(t)
	tun, err := New(mustProxy(t, "socks5://"+proxyAddr), &Config{
		DestinationTLS: []tlsdialer.ClientOption{tlsdialer.WithRootCAs(ca.Pool)},
	})
	require.NoError(t, err)

	host, port := splitAddr(t, listener.Addr().String())
	exchange := func() tls.ConnectionState {
		result, err := tun.Establish(context.Background(), &tunnel.Request{
			Host:     host,
			Port:     port,
			Security: tunnel.SecurityTLS,
		})
		require.NoError(t, err)
		defer result.Conn.Close()
		roundTrip(t, result.Conn, "over tls")
		state, ok := result.Conn.(interface{ ConnectionState() tls.ConnectionState })
		require.True(t, ok)
		return state.ConnectionState()
	}

	assert.False(t, exchange().DidResume)
	assert.True(t, exchange().DidResume, "second tunnel should resume the TLS session")
}

func TestEstablishPoolReuse(t *testing.T) {
	host, port := startEcho(t)
	proxyAddr := startSOCKS5Server(t)

	tun, err := New(mustProxy(t, "socks5://"+proxyAddr), &Config{
		Pool: &PoolConfig{PerKey: 2, IdleTimeout: time.Minute},
	})
	require.NoError(t, err)

	first, err := tun.Establish(context.Background(), &tunnel.Request{Host: host, Port: port})
	require.NoError(t, err)
	require.NotNil(t, first.Release)
	roundTrip(t, first.Conn, "first trip")
	first.Release()

	second, err := tun.Establish(context.Background(), &tunnel.Request{Host: host, Port: port})
	require.NoError(t, err)
	assert.Equal(t, first.Conn, second.Conn, "pooled connection must be reused")
	roundTrip(t, second.Conn, "second trip")
	second.Release()

	// Another destination gets its own connection.
	otherHost, otherPort := startEcho(t)
	third, err := tun.Establish(context.Background(), &tunnel.Request{Host: otherHost, Port: otherPort})
	require.NoError(t, err)
	assert.NotEqual(t, first.Conn, third.Conn)
	third.Release()

	require.NoError(t, tun.Close())
	buf := make([]byte, 1)
	_, err = first.Conn.Read(buf)
	assert.Error(t, err, "closing the tunnel closes parked connections")
}

func TestEstablishCancelled(t *testing.T) {
	// A proxy that accepts and then stays silent.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	tun, err := New(mustProxy(t, "socks5://"+listener.Addr().String()), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = tun.Establish(ctx, &tunnel.Request{Host: "192.0.2.7", Port: 80})
	var connErr *tunnel.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstablishProxyUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	for _, scheme := range []string{"socks4", "socks5"} {
		t.Run(scheme, func(t *testing.T) {
			tun, err := New(mustProxy(t, scheme+"://"+addr), nil)
			require.NoError(t, err)
			_, err = tun.Establish(context.Background(), &tunnel.Request{Host: "192.0.2.7", Port: 80})
			var connErr *tunnel.ConnectError
			require.ErrorAs(t, err, &connErr)
		})
	}
}

func TestProtocolFor(t *testing.T) {
	for scheme, want := range map[string]struct {
		version int
		resolve bool
	}{
		"socks4":  {4, true},
		"socks4a": {4, false},
		"socks5":  {5, true},
		"socks5h": {5, false},
		"socks":   {5, false},
	} {
		version, resolve, err := protocolFor(scheme)
		require.NoError(t, err, scheme)
		assert.Equal(t, want.version, version, scheme)
		assert.Equal(t, want.resolve, resolve, scheme)
	}
	_, _, err := protocolFor("http")
	var unsupported *tunnel.UnsupportedSchemeError
	require.ErrorAs(t, err, &unsupported)
}
