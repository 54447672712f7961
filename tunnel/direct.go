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

	"github.com/routegate/tunnel-sdk/transport"
	"github.com/routegate/tunnel-sdk/transport/tls"
)

// Direct is the no-proxy [Tunnel]: destinations are dialed straight over
// TCP, with a TLS upgrade when the request resolves secure. The dispatcher
// keeps one shared Direct per security mode for destinations that resolve
// to "no proxy".
type Direct struct {
	dialer          transport.StreamDialer
	defaultSecurity Security
	tlsOptions      []tls.ClientOption
}

var _ Tunnel = (*Direct)(nil)

// NewDirect returns a [Direct] dialing through baseDialer (nil means a
// plain [transport.TCPDialer]). Secure destinations get SNI and
// certificate validation for the destination host and a bounded session
// cache, which tlsOptions can override.
func NewDirect(baseDialer transport.StreamDialer, defaultSecurity Security, tlsOptions ...tls.ClientOption) *Direct {
	if baseDialer == nil {
		baseDialer = &transport.TCPDialer{}
	}
	options := append([]tls.ClientOption{
		tls.WithSessionCache(tls.NewSessionCache(DefaultSessionCacheSize, DefaultSessionCacheTTL)),
	}, tlsOptions...)
	return &Direct{dialer: baseDialer, defaultSecurity: defaultSecurity, tlsOptions: options}
}

// Establish implements [Tunnel].Establish.
func (d *Direct) Establish(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	conn, err := d.dialer.DialStream(ctx, req.Addr())
	if err != nil {
		return nil, connectErr("dial "+req.Addr(), err)
	}
	if req.Secure(d.defaultSecurity) {
		tlsConn, err := tls.WrapConn(ctx, conn, req.Host, d.tlsOptions...)
		if err != nil {
			conn.Close()
			return nil, connectErr("tls handshake with "+req.Host, err)
		}
		conn = tlsConn
	}
	return &Result{Conn: conn}, nil
}

// Close implements [Tunnel].Close. Direct holds no resources.
func (d *Direct) Close() error {
	return nil
}
