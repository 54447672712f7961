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

// Package connect tunnels streams through an HTTP proxy with the CONNECT
// method. After the proxy accepts, the connection is a transparent byte
// pipe to the destination, optionally upgraded to TLS. A proxy that
// declines does not produce an error: the caller gets a connection that
// replays the proxy's raw response, so the HTTP layer above can read the
// status and headers (for example a 407 challenge) as if the destination
// itself had answered.
package connect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/routegate/tunnel-sdk/internal/cache"
	"github.com/routegate/tunnel-sdk/transport"
	"github.com/routegate/tunnel-sdk/transport/tls"
	"github.com/routegate/tunnel-sdk/tunnel"
)

// DefaultHeadCacheSize bounds the memo of serialized CONNECT request heads.
const DefaultHeadCacheSize = 128

// maxResponseHeadBytes caps how much of a proxy response is buffered while
// searching for the end of the head.
const maxResponseHeadBytes = 64 << 10

// HeaderFunc produces extra CONNECT headers for one establishment. Setting
// one disables the request head memo, since the head is no longer static.
type HeaderFunc func(ctx context.Context, req *tunnel.Request) (http.Header, error)

// Config adjusts a CONNECT [Tunnel]. The zero value is usable.
type Config struct {
	// Dialer reaches the proxy. Nil means a plain [transport.TCPDialer].
	Dialer transport.StreamDialer
	// Security is the default when a request does not pick plain or TLS
	// itself.
	Security tunnel.Security
	// DisableKeepAlive sends "Proxy-Connection: close" on CONNECT.
	DisableKeepAlive bool
	// Header adds static headers to every CONNECT request.
	Header http.Header
	// HeaderFunc adds per-establishment headers, e.g. fresh credentials.
	HeaderFunc HeaderFunc
	// ProxyTLS configures the TLS leg to an https proxy.
	ProxyTLS []tls.ClientOption
	// DestinationTLS configures the TLS leg to the destination inside the
	// tunnel. SNI defaults to the destination host.
	DestinationTLS []tls.ClientOption
	// OnResponse observes every proxy verdict, accepted or not.
	OnResponse func(*tunnel.ConnectResponse)
	// HeadCacheSize bounds the request head memo. Zero means
	// [DefaultHeadCacheSize].
	HeadCacheSize int
}

// Tunnel negotiates CONNECT tunnels through one HTTP proxy.
type Tunnel struct {
	proxy      *tunnel.Proxy
	proxyAddr  net.Addr
	endpoint   transport.StreamEndpoint
	security   tunnel.Security
	header     http.Header
	headerFunc HeaderFunc
	destTLS    []tls.ClientOption
	onResponse func(*tunnel.ConnectResponse)
	heads      *cache.LRU[string, []byte]
}

var _ tunnel.Tunnel = (*Tunnel)(nil)

// New returns a [Tunnel] negotiating through the given http or https proxy.
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
	proxyAddr, err := transport.MakeNetAddr("tcp", proxy.Addr())
	if err != nil {
		return nil, &tunnel.InvalidRequestError{Reason: fmt.Sprintf("proxy address %q: %v", proxy.Addr(), err)}
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
	size := cfg.HeadCacheSize
	if size == 0 {
		size = DefaultHeadCacheSize
	}
	return &Tunnel{
		proxy:      proxy,
		proxyAddr:  proxyAddr,
		endpoint:   &transport.StreamDialerEndpoint{Dialer: dialer, Address: proxy.Addr()},
		security:   cfg.Security,
		header:     header,
		headerFunc: cfg.HeaderFunc,
		destTLS: append([]tls.ClientOption{
			tls.WithSessionCache(tls.NewSessionCache(tunnel.DefaultSessionCacheSize, tunnel.DefaultSessionCacheTTL)),
		}, cfg.DestinationTLS...),
		onResponse: cfg.OnResponse,
		heads:      cache.NewLRU[string, []byte](size, nil),
	}, nil
}

// Establish implements [tunnel.Tunnel]. On acceptance the result carries a
// pipe to the destination, TLS-upgraded when the request resolves secure,
// with any bytes the proxy sent past its response head preserved. On
// refusal the result carries a replay of the proxy's raw response and no
// error; Result.ConnectResponse tells the two apart by status code.
func (t *Tunnel) Establish(ctx context.Context, req *tunnel.Request) (*tunnel.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	head, err := t.requestHead(ctx, req)
	if err != nil {
		return nil, err
	}

	conn, err := t.endpoint.ConnectStream(ctx)
	if err != nil {
		return nil, t.failed(ctx, "dial proxy "+t.proxy.Addr(), err)
	}
	stopWatch := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopWatch()

	if _, err := conn.Write(head); err != nil {
		conn.Close()
		return nil, t.failed(ctx, "write CONNECT request", err)
	}
	raw, headLen, err := readResponseHead(conn)
	if err != nil {
		conn.Close()
		return nil, t.failed(ctx, "read CONNECT response", err)
	}
	response, err := parseResponseHead(raw[:headLen])
	if err != nil {
		conn.Close()
		return nil, t.failed(ctx, "parse CONNECT response", err)
	}
	if t.onResponse != nil {
		t.onResponse(response)
	}

	if response.StatusCode/100 != 2 {
		// The proxy declined. Tear down the real socket and hand the
		// caller the full raw response to read back.
		conn.Close()
		return &tunnel.Result{
			Conn:            newReplayConn(raw, t.proxyAddr),
			ConnectResponse: response,
		}, nil
	}

	stopWatch()
	conn.SetDeadline(time.Time{})

	stream := conn
	if leftover := raw[headLen:]; len(leftover) > 0 {
		stream = transport.WrapConn(conn, io.MultiReader(bytes.NewReader(leftover), conn), conn)
	}
	if req.Secure(t.security) {
		tlsConn, err := tls.WrapConn(ctx, stream, req.Host, t.destTLS...)
		if err != nil {
			conn.Close()
			return nil, t.failed(ctx, "tls handshake with "+req.Addr(), err)
		}
		stream = tlsConn
	}
	return &tunnel.Result{Conn: stream, ConnectResponse: response}, nil
}

// failed wraps a connection-phase error, preferring the context's verdict
// when the context expired: a deadline poke makes the underlying error a
// timeout either way.
func (t *Tunnel) failed(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &tunnel.ConnectError{Op: op, Err: err}
}

// requestHead serializes the CONNECT request for req. Static heads are
// memoized per destination authority.
func (t *Tunnel) requestHead(ctx context.Context, req *tunnel.Request) ([]byte, error) {
	authority := req.Addr()
	static := t.headerFunc == nil && len(req.Header) == 0
	if static {
		if head, ok := t.heads.Get(authority); ok {
			return head, nil
		}
	}
	header := t.header
	if !static {
		header = header.Clone()
		for key, values := range req.Header {
			header[http.CanonicalHeaderKey(key)] = values
		}
		if t.headerFunc != nil {
			extra, err := t.headerFunc(ctx, req)
			if err != nil {
				return nil, &tunnel.ConnectError{Op: "build CONNECT header", Err: err}
			}
			for key, values := range extra {
				header[http.CanonicalHeaderKey(key)] = values
			}
		}
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", authority, authority)
	if err := header.Write(&b); err != nil {
		return nil, &tunnel.ConnectError{Op: "build CONNECT header", Err: err}
	}
	b.WriteString("\r\n")
	head := b.Bytes()
	if static {
		t.heads.Set(authority, head)
	}
	return head, nil
}

// Close implements [tunnel.Tunnel]. CONNECT tunnels hold no sockets of
// their own.
func (t *Tunnel) Close() error {
	t.heads.Purge()
	return nil
}

// readResponseHead accumulates reads until the blank line that ends the
// response head, tolerating any split of the terminator across reads.
// It returns everything read so far and the length of the head within it;
// bytes past the head belong to the destination stream.
func readResponseHead(conn io.Reader) (raw []byte, headLen int, err error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			return buf, idx + 4, nil
		}
		if len(buf) > maxResponseHeadBytes {
			return nil, 0, fmt.Errorf("response head exceeds %d bytes", maxResponseHeadBytes)
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			continue
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		if err == io.EOF {
			err = fmt.Errorf("proxy closed connection before completing response: %w", io.ErrUnexpectedEOF)
		}
		return nil, 0, err
	}
}

// parseResponseHead decodes the status line and MIME headers of a CONNECT
// response head.
func parseResponseHead(head []byte) (*tunnel.ConnectResponse, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := reader.ReadLine()
	if err != nil {
		return nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	code, _, _ := strings.Cut(rest, " ")
	statusCode, err := strconv.Atoi(code)
	if err != nil || statusCode < 100 || statusCode > 599 {
		return nil, fmt.Errorf("malformed status code in %q", line)
	}
	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	return &tunnel.ConnectResponse{StatusCode: statusCode, Header: http.Header(mimeHeader)}, nil
}
