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

// Package tunnel defines the contract between an HTTP(S) client and the
// connection layer that decides how its outbound requests reach their
// destination: directly, or established through an intermediary proxy.
//
// A [Tunnel] turns a [Request] (destination authority plus a security mode)
// into a [Result] holding a ready-to-use [transport.StreamConn]. Concrete
// tunnels live in the subpackages: forward (plain HTTP proxying), connect
// (HTTP CONNECT), and socks (SOCKS4/4a/5/5h); dispatch routes between them.
// [Admission] bounds how many establishment attempts may be in flight,
// standing in for the host client's own connection accounting.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/routegate/tunnel-sdk/transport"
)

// Defaults for the TLS session caches used on tunneled legs.
const (
	DefaultSessionCacheSize = 64
	DefaultSessionCacheTTL  = time.Hour
)

// Security declares whether a destination endpoint expects TLS.
type Security int

const (
	// SecurityDefault defers to the tunnel's configured default and, when
	// that is also unset, to the port heuristic (443 means TLS).
	SecurityDefault Security = iota
	// SecurityPlain is a cleartext destination.
	SecurityPlain
	// SecurityTLS is a TLS destination.
	SecurityTLS
)

// Request describes the destination a caller wants a byte stream to.
type Request struct {
	// Host is the destination hostname or IP literal, without brackets.
	Host string
	// Port is the destination port.
	Port int
	// Security declares whether the destination expects TLS. Leaving it
	// at [SecurityDefault] defers to the tunnel's configuration.
	Security Security
	// Header optionally carries extra headers for the proxy negotiation
	// leg. Tunnels that do not negotiate over HTTP ignore it.
	Header http.Header
}

// Validate reports whether the request is well formed. It returns an
// [*InvalidRequestError] and is checked before any admission reservation
// or socket work happens.
func (r *Request) Validate() error {
	if r == nil {
		return &InvalidRequestError{Reason: "request is nil"}
	}
	if r.Host == "" {
		return &InvalidRequestError{Reason: "destination host is empty"}
	}
	if strings.ContainsAny(r.Host, "/ @") {
		return &InvalidRequestError{Reason: fmt.Sprintf("destination host %q is malformed", r.Host)}
	}
	if r.Port < 1 || r.Port > 65535 {
		return &InvalidRequestError{Reason: fmt.Sprintf("destination port %d is out of range", r.Port)}
	}
	switch r.Security {
	case SecurityDefault, SecurityPlain, SecurityTLS:
	default:
		return &InvalidRequestError{Reason: fmt.Sprintf("unknown security mode %d", r.Security)}
	}
	return nil
}

// Addr returns the destination in "host:port" form.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Host, fmt.Sprint(r.Port))
}

// Secure resolves whether the destination expects TLS. The per-request
// mode wins, then the given configured default, then the destination port
// (443 means TLS). There is deliberately no inference from the caller's
// call stack or socket internals.
func (r *Request) Secure(configured Security) bool {
	switch r.Security {
	case SecurityPlain:
		return false
	case SecurityTLS:
		return true
	}
	switch configured {
	case SecurityPlain:
		return false
	case SecurityTLS:
		return true
	}
	return r.Port == 443
}

// ConnectResponse carries the reply metadata of an HTTP CONNECT exchange.
type ConnectResponse struct {
	StatusCode int
	Header     http.Header
}

// Result is an established tunnel hand-off.
type Result struct {
	// Conn is the byte stream the caller talks on. After a successful
	// establishment it is indistinguishable from a direct connection to
	// the destination.
	Conn transport.StreamConn
	// ViaProxy reports that Conn terminates at a plain forward proxy
	// rather than at the destination: the caller must send absolute-form
	// requests and merge ProxyHeader into them.
	ViaProxy bool
	// ProxyHeader holds the headers a forward-proxied request must carry.
	// Only set when ViaProxy is true.
	ProxyHeader http.Header
	// ConnectResponse reports the CONNECT proxy's reply when the tunnel
	// was negotiated (or declined) with an HTTP CONNECT exchange. On a
	// decline, Conn replays the proxy's raw response and discards writes.
	ConnectResponse *ConnectResponse
	// Release, when set, hands Conn back to the tunnel's idle pool for
	// reuse. Callers done with a still-healthy connection call Release
	// instead of Close; after calling it they must not touch Conn again.
	Release func()
}

// Tunnel establishes connections to arbitrary destinations through one
// fixed intermediary (or none). Implementations are safe for concurrent
// use and live until Close is called.
type Tunnel interface {
	// Establish sets up a stream for req. Cancelling ctx aborts the
	// attempt and releases any partial connection.
	Establish(ctx context.Context, req *Request) (*Result, error)
	// Close releases held resources. Established connections that were
	// already handed out stay usable.
	Close() error
}
