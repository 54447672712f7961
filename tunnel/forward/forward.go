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

// Package forward implements plain HTTP proxying, where the proxy reads
// the request line itself: no tunnel is negotiated. Establish hands back a
// connection to the proxy, and the caller sends absolute-form requests on
// it, rewritten with [Tunnel.RewriteRequest].
package forward

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/routegate/tunnel-sdk/internal/cache"
	"github.com/routegate/tunnel-sdk/transport"
	"github.com/routegate/tunnel-sdk/transport/tls"
	"github.com/routegate/tunnel-sdk/tunnel"
)

// DefaultURICacheSize bounds the absolute-form memo cache.
const DefaultURICacheSize = 128

// Config adjusts a forward [Tunnel]. The zero value is usable.
type Config struct {
	// Dialer reaches the proxy. Nil means a plain [transport.TCPDialer].
	Dialer transport.StreamDialer
	// DisableKeepAlive asks the proxy to close the connection after each
	// request ("Proxy-Connection: close").
	DisableKeepAlive bool
	// Header is merged into every proxied request, after the computed
	// Proxy-Connection and Proxy-Authorization entries, overriding them
	// on key collision.
	Header http.Header
	// ProxyTLS configures the TLS leg to an https proxy.
	ProxyTLS []tls.ClientOption
	// URICacheSize bounds the absolute-form memo. Zero means
	// [DefaultURICacheSize].
	URICacheSize int
}

type uriKey struct {
	scheme string
	host   string
	port   string
	path   string
}

// Tunnel proxies plain HTTP requests through one HTTP proxy.
type Tunnel struct {
	proxy       *tunnel.Proxy
	endpoint    transport.StreamEndpoint
	proxyHeader http.Header
	uris        *cache.LRU[uriKey, string]
}

var _ tunnel.Tunnel = (*Tunnel)(nil)

// New returns a [Tunnel] delegating to the given http or https proxy.
func New(proxy *tunnel.Proxy, cfg *Config) (*Tunnel, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if proxy == nil {
		return nil, &tunnel.InvalidRequestError{Reason: "proxy descriptor is nil"}
	}
	if proxy.Scheme != "http" && proxy.Scheme != "https" {
		return nil, &tunnel.UnsupportedSchemeError{Scheme: proxy.Scheme}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{}
	}
	if proxy.Scheme == "https" {
		options := append([]tls.ClientOption{
			tls.WithSessionCache(tls.NewSessionCache(tunnel.DefaultSessionCacheSize, tunnel.DefaultSessionCacheTTL)),
		}, cfg.ProxyTLS...)
		tlsDialer, err := tls.NewStreamDialer(dialer, options...)
		if err != nil {
			return nil, err
		}
		dialer = tlsDialer
	}
	header := http.Header{}
	if cfg.DisableKeepAlive {
		header.Set("Proxy-Connection", "close")
	} else {
		header.Set("Proxy-Connection", "Keep-Alive")
	}
	if credential := proxy.BasicCredential(); credential != "" {
		header.Set("Proxy-Authorization", credential)
	}
	for key, values := range cfg.Header {
		header[http.CanonicalHeaderKey(key)] = values
	}
	size := cfg.URICacheSize
	if size == 0 {
		size = DefaultURICacheSize
	}
	return &Tunnel{
		proxy:       proxy,
		endpoint:    &transport.StreamDialerEndpoint{Dialer: dialer, Address: proxy.Addr()},
		proxyHeader: header,
		uris:        cache.NewLRU[uriKey, string](size, nil),
	}, nil
}

// Establish implements [tunnel.Tunnel]. The returned connection terminates
// at the proxy (Result.ViaProxy is true); requests sent on it must be
// rewritten with [Tunnel.RewriteRequest]. Destinations that resolve secure
// are refused: TLS cannot pass through a plain forward proxy.
func (t *Tunnel) Establish(ctx context.Context, req *tunnel.Request) (*tunnel.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Secure(tunnel.SecurityPlain) {
		return nil, &tunnel.InvalidRequestError{Reason: "forward proxy cannot carry a TLS destination, use CONNECT"}
	}
	conn, err := t.endpoint.ConnectStream(ctx)
	if err != nil {
		return nil, &tunnel.ConnectError{Op: "dial proxy " + t.proxy.Addr(), Err: err}
	}
	header := t.proxyHeader
	if len(req.Header) > 0 {
		header = header.Clone()
		for key, values := range req.Header {
			header[http.CanonicalHeaderKey(key)] = values
		}
	}
	return &tunnel.Result{Conn: conn, ViaProxy: true, ProxyHeader: header}, nil
}

// RewriteRequest turns r into the proxy form of itself: the target becomes
// an absolute-form URI and header (nil means the tunnel's own proxy header
// set) is merged in without overwriting anything the caller already set,
// under the usual case-insensitive header semantics. Call it before the
// request is serialized; http.Request.Write then emits the rewritten form.
func (t *Tunnel) RewriteRequest(r *http.Request, header http.Header) {
	if header == nil {
		header = t.proxyHeader
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	r.URL.Opaque = t.absoluteTarget(scheme, host, r.URL.EscapedPath())
	if r.Header == nil {
		r.Header = http.Header{}
	}
	for key, values := range header {
		if _, present := r.Header[http.CanonicalHeaderKey(key)]; present {
			continue
		}
		r.Header[http.CanonicalHeaderKey(key)] = values
	}
}

// absoluteTarget builds (and memoizes) the absolute-form URI for the
// destination, eliding the scheme's default port. The query is volatile
// and [url.URL.RequestURI] appends it on its own, so it stays out of both
// the memo and the result.
func (t *Tunnel) absoluteTarget(scheme, hostport, path string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	if path == "" {
		path = "/"
	}
	if port == "80" && scheme == "http" || port == "443" && scheme == "https" {
		port = ""
	}
	key := uriKey{scheme: scheme, host: host, port: port, path: path}
	target, ok := t.uris.Get(key)
	if !ok {
		authority := host
		if port != "" {
			authority = net.JoinHostPort(host, port)
		} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			authority = "[" + host + "]"
		}
		target = scheme + "://" + authority + path
		t.uris.Set(key, target)
	}
	return target
}

// Close implements [tunnel.Tunnel]. Forward tunnels hold no sockets of
// their own.
func (t *Tunnel) Close() error {
	t.uris.Purge()
	return nil
}
