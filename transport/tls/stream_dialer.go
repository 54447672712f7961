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

package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/routegate/tunnel-sdk/transport"
)

// StreamDialer is a [transport.StreamDialer] that uses TLS to wrap the
// connections of an inner StreamDialer.
type StreamDialer struct {
	// dialer provides the underlying connection to be wrapped.
	dialer transport.StreamDialer
	// options to configure the tls.Config.
	options []ClientOption
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that wraps the connections from the
// baseDialer with TLS configured with the given options.
func NewStreamDialer(baseDialer transport.StreamDialer, options ...ClientOption) (*StreamDialer, error) {
	if baseDialer == nil {
		return nil, errors.New("base dialer must not be nil")
	}
	return &StreamDialer{baseDialer, options}, nil
}

// streamConn wraps a [tls.Conn] to provide a [transport.StreamConn] interface.
type streamConn struct {
	*tls.Conn
	innerConn transport.StreamConn
}

var _ transport.StreamConn = (*streamConn)(nil)

func (c streamConn) CloseWrite() error {
	tlsErr := c.Conn.CloseWrite()
	return errors.Join(tlsErr, c.innerConn.CloseWrite())
}

func (c streamConn) CloseRead() error {
	return c.innerConn.CloseRead()
}

// DialStream implements [transport.StreamDialer].DialStream.
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	innerConn, err := d.dialer.DialStream(ctx, remoteAddr)
	if err != nil {
		return nil, err
	}
	conn, err := WrapConn(ctx, innerConn, host, d.options...)
	if err != nil {
		innerConn.Close()
		return nil, err
	}
	return conn, nil
}

func normalizeHost(host string) string {
	return strings.ToLower(host)
}

// ClientConfig encodes the parameters for a TLS client connection.
type ClientConfig struct {
	// The host name for the Server Name Indication (SNI).
	ServerName string
	// The hostname to use for certificate validation.
	CertificateName string
	// The protocol id list for protocol negotiation (ALPN).
	NextProtos []string
	// The cache for session resumption.
	SessionCache tls.ClientSessionCache
	// The root CA pool to validate against. Nil means the system pool.
	RootCAs *x509.CertPool
}

// toStdConfig creates a [tls.Config] based on the configured parameters.
func (cfg *ClientConfig) toStdConfig() *tls.Config {
	return &tls.Config{
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.NextProtos,
		ClientSessionCache: cfg.SessionCache,
		// Set InsecureSkipVerify to skip the default validation we are
		// replacing. This will not disable VerifyConnection.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			// This replicates the logic in the standard library verification:
			// https://pkg.go.dev/crypto/tls#example-Config-VerifyConnection
			opts := x509.VerifyOptions{
				DNSName:       cfg.CertificateName,
				Roots:         cfg.RootCAs,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		},
	}
}

// ClientOption allows configuring the parameters to be used for a client TLS connection.
type ClientOption func(serverName string, config *ClientConfig)

// WrapConn wraps a [transport.StreamConn] in a TLS connection and performs the
// handshake. serverName is the destination hostname and is the default for
// both SNI and certificate validation; options can override each
// independently. On handshake failure the inner connection is left for the
// caller to close.
func WrapConn(ctx context.Context, conn transport.StreamConn, serverName string, options ...ClientOption) (transport.StreamConn, error) {
	cfg := ClientConfig{ServerName: serverName, CertificateName: serverName}
	normName := normalizeHost(serverName)
	for _, option := range options {
		option(normName, &cfg)
	}
	tlsConn := tls.Client(conn, cfg.toStdConfig())
	trace := ContextClientTrace(ctx)
	if trace != nil && trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}
	err := tlsConn.HandshakeContext(ctx)
	if trace != nil && trace.TLSHandshakeDone != nil {
		trace.TLSHandshakeDone(tlsConn.ConnectionState(), err)
	}
	if err != nil {
		return nil, err
	}
	return streamConn{tlsConn, conn}, nil
}

// WithSNI sets the host name for [Server Name Indication] (SNI).
// If absent, defaults to the dialed hostname.
// Note that this only changes what is sent in the SNI, not what host is used for certificate validation.
//
// [Server Name Indication]: https://datatracker.ietf.org/doc/html/rfc6066#section-3
func WithSNI(hostName string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.ServerName = hostName
	}
}

// IfHost applies the given option if the host matches the dialed one.
func IfHost(matchHost string, option ClientOption) ClientOption {
	matchHost = normalizeHost(matchHost)
	return func(host string, config *ClientConfig) {
		if matchHost != "" && matchHost != host {
			return
		}
		option(host, config)
	}
}

// WithALPN sets the protocol name list for [Application-Layer Protocol Negotiation] (ALPN).
//
// [Application-Layer Protocol Negotiation]: https://datatracker.ietf.org/doc/html/rfc7301
func WithALPN(protocolNameList []string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.NextProtos = protocolNameList
	}
}

// WithSessionCache sets the [tls.ClientSessionCache] to enable session resumption of TLS connections.
// See [NewSessionCache] for a bounded implementation.
func WithSessionCache(sessionCache tls.ClientSessionCache) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.SessionCache = sessionCache
	}
}

// WithCertificateName sets the hostname to be used for the certificate validation.
// If absent, defaults to the dialed hostname.
func WithCertificateName(hostname string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.CertificateName = hostname
	}
}

// WithRootCAs sets the certificate pool used as trust anchors, replacing the
// system pool.
func WithRootCAs(pool *x509.CertPool) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.RootCAs = pool
	}
}
