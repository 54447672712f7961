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
	"errors"
	"fmt"
)

// ErrClosed is returned when establishing through a tunnel or dispatcher
// that has been closed.
var ErrClosed = errors.New("tunnel: closed")

// InvalidRequestError reports a malformed request. It is always returned
// synchronously, before any admission token is reserved and before any
// socket is touched.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "tunnel: invalid request: " + e.Reason
}

// UnsupportedSchemeError reports a proxy URL whose scheme has no
// registered tunnel implementation. It is returned synchronously at
// dispatch time.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("tunnel: unsupported proxy scheme %q", e.Scheme)
}

// ConnectError reports an asynchronous failure while establishing a
// tunnel: dialing, handshaking, or a proxy refusing the exchange at the
// protocol level. Cancellation surfaces here too, wrapping the context
// error so errors.Is(err, context.Canceled) holds.
type ConnectError struct {
	// Op names the step that failed, e.g. "dial proxy" or "socks reply".
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("tunnel: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// connectErr wraps err unless it already is a *ConnectError.
func connectErr(op string, err error) error {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectError{Op: op, Err: err}
}
