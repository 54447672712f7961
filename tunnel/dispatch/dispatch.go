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

// Package dispatch routes connection requests to the tunnel that matches
// the proxy configured for their destination.
//
// A [Dispatcher] asks an injected [ResolveFunc] which proxy (if any)
// serves a destination URL, keeps the answers in a TTL cache, and hands
// the request to a matching [tunnel.Tunnel]: forward for plain requests
// behind an HTTP proxy, connect for TLS destinations, socks for the SOCKS
// family, or one of two shared direct tunnels when no proxy applies.
// Constructed tunnels live in a bounded recency cache; falling out of it,
// or closing the dispatcher, closes them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/routegate/tunnel-sdk/internal/cache"
	"github.com/routegate/tunnel-sdk/transport"
	"github.com/routegate/tunnel-sdk/transport/tls"
	"github.com/routegate/tunnel-sdk/tunnel"
	"github.com/routegate/tunnel-sdk/tunnel/connect"
	"github.com/routegate/tunnel-sdk/tunnel/forward"
	"github.com/routegate/tunnel-sdk/tunnel/socks"
)

// Cache defaults.
const (
	DefaultResolutionCacheSize = 256
	DefaultResolutionCacheTTL  = 30 * time.Second
	DefaultTunnelCacheSize     = 20
)

// ResolveFunc decides which proxy serves destURL. It returns the proxy
// URL, or "" for a direct connection. Results are cached per destination
// URL, except "": a no-proxy answer may be network-condition-dependent
// and is asked again every time.
type ResolveFunc func(ctx context.Context, destURL string) (string, error)

// EnvResolver returns a [ResolveFunc] honoring the HTTP_PROXY, HTTPS_PROXY
// and NO_PROXY environment variables (and their lowercase forms), read
// once at call time.
func EnvResolver() ResolveFunc {
	proxyFunc := httpproxy.FromEnvironment().ProxyFunc()
	return func(ctx context.Context, destURL string) (string, error) {
		u, err := url.Parse(destURL)
		if err != nil {
			return "", err
		}
		proxyURL, err := proxyFunc(u)
		if err != nil || proxyURL == nil {
			return "", err
		}
		return proxyURL.String(), nil
	}
}

// Options adjusts a [Dispatcher]. The zero value is usable: every
// destination is resolved against the process environment and dialed over
// plain TCP.
type Options struct {
	// Resolver picks the proxy for a destination. Nil means [EnvResolver].
	Resolver ResolveFunc
	// Dialer is the base dialer under every tunnel. Nil means a plain
	// [transport.TCPDialer].
	Dialer transport.StreamDialer
	// Security is the ambient default for requests that leave their
	// security mode unset.
	Security tunnel.Security
	// MaxInFlight bounds concurrent establishment attempts across all
	// tunnels. Non-positive means unbounded.
	MaxInFlight int64
	// Logger receives debug-level routing decisions. Nil means silent.
	Logger *slog.Logger
	// ResolutionCacheSize and ResolutionCacheTTL bound the proxy
	// resolution cache. Zero means the package defaults.
	ResolutionCacheSize int
	ResolutionCacheTTL  time.Duration
	// TunnelCacheSize bounds how many constructed tunnels are kept.
	TunnelCacheSize int
	// DisableKeepAlive asks proxies to close negotiation connections
	// after each request.
	DisableKeepAlive bool
	// Header adds static headers to proxy negotiation exchanges (forward
	// requests and CONNECT).
	Header http.Header
	// HeaderFunc adds per-establishment CONNECT headers, e.g. fresh
	// credentials.
	HeaderFunc connect.HeaderFunc
	// ProxyTLS configures the TLS leg to https proxies.
	ProxyTLS []tls.ClientOption
	// DestinationTLS configures the TLS leg to secure destinations.
	DestinationTLS []tls.ClientOption
	// DNSResolve overrides destination name resolution for the
	// client-resolving SOCKS schemes.
	DNSResolve socks.ResolveFunc
	// Pool enables the SOCKS idle-stream pool.
	Pool *socks.PoolConfig
}

// tunnelKind is the concrete tunnel family serving a proxy. The scheme
// alone does not decide it: an HTTP proxy carries plain requests in
// forward style and TLS destinations via CONNECT.
type tunnelKind int

const (
	kindForward tunnelKind = iota
	kindConnect
	kindSOCKS
)

func (k tunnelKind) String() string {
	switch k {
	case kindForward:
		return "forward"
	case kindConnect:
		return "connect"
	case kindSOCKS:
		return "socks"
	}
	return fmt.Sprintf("tunnelKind(%d)", int(k))
}

// kindFor resolves the tunnel family for a proxy scheme. wantConnect
// selects CONNECT over forward for the HTTP family.
func kindFor(scheme string, wantConnect bool) (tunnelKind, error) {
	switch scheme {
	case "http", "https":
		if wantConnect {
			return kindConnect, nil
		}
		return kindForward, nil
	case "socks", "socks4", "socks4a", "socks5", "socks5h":
		return kindSOCKS, nil
	}
	return 0, &tunnel.UnsupportedSchemeError{Scheme: scheme}
}

type tunnelKey struct {
	kind  tunnelKind
	proxy string
}

// Dispatcher routes requests to per-proxy tunnels. It is safe for
// concurrent use.
type Dispatcher struct {
	opts      Options
	resolver  ResolveFunc
	dialer    transport.StreamDialer
	logger    *slog.Logger
	admission *tunnel.Admission

	resolutions *cache.TTL[string, string]

	// mu makes tunnel lookup-or-construct atomic, so concurrent requests
	// for the same proxy share one instance.
	mu      sync.Mutex
	tunnels *cache.LRU[tunnelKey, tunnel.Tunnel]
	// builders is the kind-to-constructor table, computed once.
	builders map[tunnelKind]func(*tunnel.Proxy) (tunnel.Tunnel, error)

	directPlain  *tunnel.Direct
	directSecure *tunnel.Direct

	closed atomic.Bool
}

// New returns a [Dispatcher] for the given options. Nil is a valid
// argument and means default options.
func New(opts *Options) *Dispatcher {
	if opts == nil {
		opts = &Options{}
	}
	d := &Dispatcher{
		opts:     *opts,
		resolver: opts.Resolver,
		dialer:   opts.Dialer,
		logger:   opts.Logger,
	}
	if d.resolver == nil {
		d.resolver = EnvResolver()
	}
	if d.dialer == nil {
		d.dialer = &transport.TCPDialer{}
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	d.admission = tunnel.NewAdmission(opts.MaxInFlight)

	size := opts.ResolutionCacheSize
	if size == 0 {
		size = DefaultResolutionCacheSize
	}
	ttl := opts.ResolutionCacheTTL
	if ttl == 0 {
		ttl = DefaultResolutionCacheTTL
	}
	d.resolutions = cache.NewTTL[string, string](size, ttl)

	tunnelCacheSize := opts.TunnelCacheSize
	if tunnelCacheSize == 0 {
		tunnelCacheSize = DefaultTunnelCacheSize
	}
	d.tunnels = cache.NewLRU(tunnelCacheSize, func(key tunnelKey, tun tunnel.Tunnel) {
		tun.Close()
		d.logger.Debug("closed cached tunnel", "kind", key.kind.String(), "proxy", key.proxy)
	})

	d.builders = map[tunnelKind]func(*tunnel.Proxy) (tunnel.Tunnel, error){
		kindForward: func(proxy *tunnel.Proxy) (tunnel.Tunnel, error) {
			return forward.New(proxy, &forward.Config{
				Dialer:           d.dialer,
				DisableKeepAlive: d.opts.DisableKeepAlive,
				Header:           d.opts.Header,
				ProxyTLS:         d.opts.ProxyTLS,
			})
		},
		kindConnect: func(proxy *tunnel.Proxy) (tunnel.Tunnel, error) {
			return connect.New(proxy, &connect.Config{
				Dialer:           d.dialer,
				Security:         d.opts.Security,
				DisableKeepAlive: d.opts.DisableKeepAlive,
				Header:           d.opts.Header,
				HeaderFunc:       d.opts.HeaderFunc,
				ProxyTLS:         d.opts.ProxyTLS,
				DestinationTLS:   d.opts.DestinationTLS,
			})
		},
		kindSOCKS: func(proxy *tunnel.Proxy) (tunnel.Tunnel, error) {
			return socks.New(proxy, &socks.Config{
				Dialer:         d.dialer,
				Security:       d.opts.Security,
				DestinationTLS: d.opts.DestinationTLS,
				Resolve:        d.opts.DNSResolve,
				Pool:           d.opts.Pool,
			})
		},
	}

	d.directPlain = tunnel.NewDirect(d.dialer, tunnel.SecurityPlain, d.opts.DestinationTLS...)
	d.directSecure = tunnel.NewDirect(d.dialer, tunnel.SecurityTLS, d.opts.DestinationTLS...)
	return d
}

// Connect resolves the proxy for req's destination and establishes a
// stream through the matching tunnel. When an HTTP proxy serves a plain
// destination, the result comes back with ViaProxy set and the caller
// sends absolute-form requests on it.
func (d *Dispatcher) Connect(ctx context.Context, req *tunnel.Request) (*tunnel.Result, error) {
	return d.connect(ctx, req, false)
}

// DialContext establishes a raw stream to addr through whichever proxy
// applies, for consumers shaped like [net.Dialer.DialContext]. The stream
// carries whatever protocol the caller speaks, including the caller's own
// TLS, so no destination TLS is applied and HTTP proxies are always
// traversed with CONNECT. network must be "tcp".
func (d *Dispatcher) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("network %q unsupported, only tcp", network)
	}
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &tunnel.InvalidRequestError{Reason: fmt.Sprintf("address %q: %v", addr, err)}
	}
	port, err := net.LookupPort(network, portText)
	if err != nil {
		return nil, &tunnel.InvalidRequestError{Reason: fmt.Sprintf("address %q: %v", addr, err)}
	}
	result, err := d.connect(ctx, &tunnel.Request{Host: host, Port: port, Security: tunnel.SecurityPlain}, true)
	if err != nil {
		return nil, err
	}
	return result.Conn, nil
}

func (d *Dispatcher) connect(ctx context.Context, req *tunnel.Request, raw bool) (*tunnel.Result, error) {
	if d.closed.Load() {
		return nil, tunnel.ErrClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	secure := req.Secure(d.opts.Security)

	// The token covers the whole asynchronous stretch: proxy resolution
	// through establishment.
	token, err := d.admission.Reserve(ctx)
	if err != nil {
		return nil, &tunnel.ConnectError{Op: "reserve admission", Err: err}
	}
	defer token.Release()

	destURL := destinationURL(req, secure, raw)
	proxyURL, err := d.resolveProxy(ctx, destURL)
	if err != nil {
		return nil, &tunnel.ConnectError{Op: "resolve proxy for " + destURL, Err: err}
	}
	if proxyURL == "" {
		if secure {
			return d.directSecure.Establish(ctx, req)
		}
		return d.directPlain.Establish(ctx, req)
	}

	proxy, err := tunnel.ParseProxy(proxyURL)
	if err != nil {
		return nil, err
	}
	kind, err := kindFor(proxy.Scheme, secure || raw)
	if err != nil {
		return nil, err
	}
	tun, err := d.tunnelFor(kind, proxy)
	if err != nil {
		return nil, err
	}
	return tun.Establish(ctx, req)
}

// destinationURL renders the absolute URL the resolver decides on. Raw
// streams have no declared protocol, so the conventional TLS port picks
// the https rules there.
func destinationURL(req *tunnel.Request, secure, raw bool) string {
	scheme := "http"
	if secure || (raw && req.Port == 443) {
		scheme = "https"
	}
	return scheme + "://" + req.Addr()
}

// resolveProxy consults the resolution cache, then the resolver. Only
// affirmative answers are cached.
func (d *Dispatcher) resolveProxy(ctx context.Context, destURL string) (string, error) {
	if proxyURL, ok := d.resolutions.Get(destURL); ok {
		return proxyURL, nil
	}
	proxyURL, err := d.resolver(ctx, destURL)
	if err != nil {
		return "", err
	}
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL != "" {
		d.resolutions.Set(destURL, proxyURL)
	}
	d.logger.Debug("resolved proxy", "destination", destURL, "proxy", proxyURL)
	return proxyURL, nil
}

// tunnelFor returns the cached tunnel for (kind, proxy), constructing it
// under the lock so concurrent callers share one instance.
func (d *Dispatcher) tunnelFor(kind tunnelKind, proxy *tunnel.Proxy) (tunnel.Tunnel, error) {
	key := tunnelKey{kind: kind, proxy: proxy.String()}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil, tunnel.ErrClosed
	}
	if tun, ok := d.tunnels.Get(key); ok {
		return tun, nil
	}
	tun, err := d.builders[kind](proxy)
	if err != nil {
		return nil, err
	}
	d.tunnels.Set(key, tun)
	d.logger.Debug("opened tunnel", "kind", kind.String(), "proxy", key.proxy)
	return tun, nil
}

// InFlight reports the number of establishment attempts between admission
// reservation and settlement.
func (d *Dispatcher) InFlight() int64 {
	return d.admission.InFlight()
}

// Close tears the dispatcher down: every cached tunnel is closed exactly
// once, the direct tunnels are closed, and later calls fail with
// [tunnel.ErrClosed]. Streams already handed out stay usable.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed.Swap(true) {
		d.mu.Unlock()
		return nil
	}
	d.tunnels.Purge()
	d.mu.Unlock()
	d.directPlain.Close()
	d.directSecure.Close()
	d.logger.Debug("dispatcher closed")
	return nil
}
