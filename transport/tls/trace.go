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
)

type contextKey struct{}

// ClientTrace carries hooks invoked around the TLS handshakes this package
// performs, in the manner of [net/http/httptrace]. Hooks may be nil.
type ClientTrace struct {
	// TLSHandshakeStart is called when the handshake is about to begin.
	TLSHandshakeStart func()
	// TLSHandshakeDone is called after the handshake settles, with its
	// outcome. On failure the state is partial.
	TLSHandshakeDone func(state tls.ConnectionState, err error)
}

var clientTraceKey = contextKey{}

// WithClientTrace returns a context carrying trace. [WrapConn] and the
// dialers built on it report their handshakes to it.
func WithClientTrace(ctx context.Context, trace *ClientTrace) context.Context {
	return context.WithValue(ctx, clientTraceKey, trace)
}

// ContextClientTrace returns the trace associated with ctx, or nil.
func ContextClientTrace(ctx context.Context) *ClientTrace {
	trace, _ := ctx.Value(clientTraceKey).(*ClientTrace)
	return trace
}
