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

// Package socks tunnels streams through SOCKS4, SOCKS4a, SOCKS5, and
// SOCKS5h proxies. The scheme decides both the protocol version and who
// resolves the destination name: socks4 and socks5 resolve on the client,
// with a TTL-bounded DNS cache, while socks4a and socks5h (and the plain
// socks alias) hand the name to the proxy untouched.
package socks

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/routegate/tunnel-sdk/internal/cache"
	"github.com/routegate/tunnel-sdk/transport"
	"github.com/routegate/tunnel-sdk/transport/tls"
	"github.com/routegate/tunnel-sdk/tunnel"
)

// DNS cache defaults for the client-resolving schemes.
const (
	DefaultDNSCacheSize = 256
	DefaultDNSCacheTTL  = 30 * time.Second
)

// ResolveFunc looks up the addresses of a destination hostname.
type ResolveFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func defaultResolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Config adjusts a SOCKS [Tunnel]. The zero value is usable.
type Config struct {
	// Dialer reaches the proxy. Nil means a plain [transport.TCPDialer].
	Dialer transport.StreamDialer
	// Security is the default when a request does not pick plain or TLS
	// itself.
	Security tunnel.Security
	// DestinationTLS configures the TLS leg to the destination inside the
	// tunnel. SNI defaults to the destination host.
	DestinationTLS []tls.ClientOption
	// Resolve overrides destination name resolution for the socks4 and
	// socks5 schemes. Nil means the system resolver.
	Resolve ResolveFunc
	// DNSCacheSize and DNSCacheTTL bound the resolution cache. Zero means
	// [DefaultDNSCacheSize] and [DefaultDNSCacheTTL].
	DNSCacheSize int
	DNSCacheTTL  time.Duration
	// Pool, when set, keeps established destination streams for reuse via
	// [tunnel.Result].Release.
	Pool *PoolConfig
}

// Tunnel establishes streams through one SOCKS proxy.
type Tunnel struct {
	proxy          *tunnel.Proxy
	version        int
	resolveLocally bool
	endpoint       transport.StreamEndpoint
	socks5         xproxy.Dialer
	userID         string
	security       tunnel.Security
	destTLS        []tls.ClientOption
	resolve        ResolveFunc
	dns            *cache.TTL[string, []netip.Addr]
	pool           *pool
}

var _ tunnel.Tunnel = (*Tunnel)(nil)

// protocolFor maps a proxy scheme to the protocol version and whether the
// client resolves destination names itself.
func protocolFor(scheme string) (version int, resolveLocally bool, err error) {
	switch scheme {
	case "socks4":
		return 4, true, nil
	case "socks4a":
		return 4, false, nil
	case "socks5":
		return 5, true, nil
	case "socks", "socks5h":
		return 5, false, nil
	}
	return 0, false, &tunnel.UnsupportedSchemeError{Scheme: scheme}
}

// netDialer adapts a [transport.StreamDialer] to the forward dialer
// contract of golang.org/x/net/proxy.
type netDialer struct {
	dialer transport.StreamDialer
}

var _ xproxy.Dialer = (*netDialer)(nil)
var _ xproxy.ContextDialer = (*netDialer)(nil)

func (d *netDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("network %q unsupported, only tcp", network)
	}
	return d.dialer.DialStream(ctx, address)
}

// New returns a [Tunnel] for the given socks-family proxy.
func New(proxy *tunnel.Proxy, cfg *Config) (*Tunnel, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if proxy == nil {
		return nil, &tunnel.InvalidRequestError{Reason: "proxy descriptor is nil"}
	}
	version, resolveLocally, err := protocolFor(proxy.Scheme)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{}
	}
	t := &Tunnel{
		proxy:          proxy,
		version:        version,
		resolveLocally: resolveLocally,
		endpoint:       &transport.StreamDialerEndpoint{Dialer: dialer, Address: proxy.Addr()},
		security:       cfg.Security,
		destTLS: append([]tls.ClientOption{
			tls.WithSessionCache(tls.NewSessionCache(tunnel.DefaultSessionCacheSize, tunnel.DefaultSessionCacheTTL)),
		}, cfg.DestinationTLS...),
		resolve: cfg.Resolve,
	}
	if t.resolve == nil {
		t.resolve = defaultResolve
	}
	if version == 5 {
		var auth *xproxy.Auth
		if proxy.User != nil {
			password, _ := proxy.User.Password()
			auth = &xproxy.Auth{User: proxy.User.Username(), Password: password}
		}
		socks5, err := xproxy.SOCKS5("tcp", proxy.Addr(), auth, &netDialer{dialer: dialer})
		if err != nil {
			return nil, err
		}
		t.socks5 = socks5
	} else if proxy.User != nil {
		t.userID = proxy.User.Username()
	}
	if resolveLocally {
		size := cfg.DNSCacheSize
		if size == 0 {
			size = DefaultDNSCacheSize
		}
		ttl := cfg.DNSCacheTTL
		if ttl == 0 {
			ttl = DefaultDNSCacheTTL
		}
		t.dns = cache.NewTTL[string, []netip.Addr](size, ttl)
	}
	if cfg.Pool != nil {
		t.pool = newPool(cfg.Pool)
	}
	return t, nil
}

// Establish implements [tunnel.Tunnel]. When pooling is enabled, an idle
// stream to the same destination is handed back without touching the
// network, and the result's Release returns the stream for the next call.
func (t *Tunnel) Establish(ctx context.Context, req *tunnel.Request) (*tunnel.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	secure := req.Secure(t.security)
	key := poolKey{host: req.Host, port: req.Port, secure: secure}
	if t.pool != nil {
		if conn, ok := t.pool.checkout(key); ok {
			return t.result(key, conn), nil
		}
	}

	destIP, destHost, err := t.destination(req)
	if err != nil {
		return nil, err
	}

	var stream transport.StreamConn
	if t.version == 5 {
		stream, err = t.establishSOCKS5(ctx, destIP, destHost, req)
	} else {
		stream, err = t.establishSOCKS4(ctx, destIP, destHost, req)
	}
	if err != nil {
		return nil, err
	}

	if secure {
		tlsConn, err := tls.WrapConn(ctx, stream, req.Host, t.destTLS...)
		if err != nil {
			stream.Close()
			return nil, wrapConnectError(ctx, "tls handshake with "+req.Addr(), err)
		}
		stream = tlsConn
	}
	return t.result(key, stream), nil
}

// destination decides what the proxy is asked to connect to: a resolved
// address for the client-resolving schemes, the unresolved hostname
// otherwise. IP literals never resolve.
func (t *Tunnel) destination(req *tunnel.Request) (netip.Addr, string, error) {
	if ip, err := netip.ParseAddr(req.Host); err == nil {
		ip = ip.Unmap()
		if t.version == 4 && !ip.Is4() {
			return netip.Addr{}, "", &tunnel.InvalidRequestError{
				Reason: fmt.Sprintf("SOCKS4 cannot reach IPv6 destination %q", req.Host),
			}
		}
		return ip, "", nil
	}
	return netip.Addr{}, req.Host, nil
}

func (t *Tunnel) establishSOCKS5(ctx context.Context, destIP netip.Addr, destHost string, req *tunnel.Request) (transport.StreamConn, error) {
	target := destHost
	if destIP.IsValid() {
		target = destIP.String()
	} else if t.resolveLocally {
		addrs, err := t.lookup(ctx, destHost)
		if err != nil {
			return nil, wrapConnectError(ctx, "resolve "+destHost, err)
		}
		target = addrs[0].String()
	}
	addr := net.JoinHostPort(target, fmt.Sprint(req.Port))

	conn, err := t.dialSOCKS5(ctx, addr)
	if err != nil {
		return nil, wrapConnectError(ctx, "socks5 connect to "+addr+" via "+t.proxy.Addr(), err)
	}
	stream, ok := conn.(transport.StreamConn)
	if !ok {
		conn.Close()
		return nil, &tunnel.ConnectError{
			Op:  "socks5 connect to " + addr,
			Err: fmt.Errorf("proxy dialer returned %T without stream close support", conn),
		}
	}
	return stream, nil
}

func (t *Tunnel) dialSOCKS5(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := t.socks5.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return t.socks5.Dial("tcp", addr)
}

func (t *Tunnel) establishSOCKS4(ctx context.Context, destIP netip.Addr, destHost string, req *tunnel.Request) (transport.StreamConn, error) {
	if !destIP.IsValid() && t.resolveLocally {
		addrs, err := t.lookup(ctx, destHost)
		if err != nil {
			return nil, wrapConnectError(ctx, "resolve "+destHost, err)
		}
		ip, ok := firstIPv4(addrs)
		if !ok {
			return nil, &tunnel.ConnectError{
				Op:  "resolve " + destHost,
				Err: fmt.Errorf("no IPv4 address for SOCKS4"),
			}
		}
		destIP = ip
	}

	conn, err := t.endpoint.ConnectStream(ctx)
	if err != nil {
		return nil, wrapConnectError(ctx, "dial proxy "+t.proxy.Addr(), err)
	}
	stopWatch := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopWatch()
	if err := connectSOCKS4(conn, destIP, destHost, req.Port, t.userID); err != nil {
		conn.Close()
		return nil, wrapConnectError(ctx, "socks4 connect to "+req.Addr()+" via "+t.proxy.Addr(), err)
	}
	stopWatch()
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// lookup resolves host through the TTL cache.
func (t *Tunnel) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := t.dns.Get(host); ok {
		return addrs, nil
	}
	addrs, err := t.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	t.dns.Set(host, addrs)
	return addrs, nil
}

func firstIPv4(addrs []netip.Addr) (netip.Addr, bool) {
	for _, addr := range addrs {
		if addr.Is4() {
			return addr, true
		}
		if addr.Is4In6() {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

func (t *Tunnel) result(key poolKey, conn transport.StreamConn) *tunnel.Result {
	result := &tunnel.Result{Conn: conn}
	if t.pool != nil {
		result.Release = func() { t.pool.release(key, conn) }
	}
	return result
}

// wrapConnectError classifies an establishment failure, preferring the
// context's verdict when the context expired.
func wrapConnectError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &tunnel.ConnectError{Op: op, Err: err}
}

// Close implements [tunnel.Tunnel]. It stops the idle pool and closes the
// connections parked in it.
func (t *Tunnel) Close() error {
	if t.pool != nil {
		t.pool.close()
	}
	return nil
}
