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
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"strconv"
)

// V4Reply is the CD result code of a SOCKS4 server reply.
type V4Reply byte

// SOCKS4 reply codes, from https://www.openssh.com/txt/socks4.protocol.
const (
	ErrV4Rejected         = V4Reply(91)
	ErrV4IdentdUnreached  = V4Reply(92)
	ErrV4IdentdMismatched = V4Reply(93)
)

var _ error = (V4Reply)(0)

// Error returns the protocol document's description of the code.
func (e V4Reply) Error() string {
	switch e {
	case ErrV4Rejected:
		return "request rejected or failed"
	case ErrV4IdentdUnreached:
		return "request rejected because SOCKS server cannot connect to identd"
	case ErrV4IdentdMismatched:
		return "request rejected because the client program and identd report different user-ids"
	default:
		return "reply code " + strconv.Itoa(int(e))
	}
}

const (
	socks4Version     = 0x04
	socks4CmdConnect  = 0x01
	socks4ReplyNull   = 0x00
	socks4Granted     = 90
	socks4ReplyLength = 8
)

// connectSOCKS4 performs a SOCKS4 (ip set) or SOCKS4a (ip invalid, host
// set) CONNECT exchange on conn. The returned error is a [V4Reply] when
// the server answered with a result code other than granted.
func connectSOCKS4(conn io.ReadWriter, ip netip.Addr, host string, port int, userID string) error {
	// The request is:
	//     +----+----+---------+-------+----------+------+
	//     | VN | CD | DSTPORT | DSTIP |  USERID  | NULL |
	//     +----+----+---------+-------+----------+------+
	//       1    1       2        4     variable    1
	// SOCKS4a leaves the destination unresolved by setting DSTIP to the
	// invalid 0.0.0.x form and appending the NUL-terminated hostname.
	var buffer [1 + 1 + 2 + 4 + 256 + 1 + 256 + 1]byte
	b := append(buffer[:0], socks4Version, socks4CmdConnect)
	b = binary.BigEndian.AppendUint16(b, uint16(port))
	if ip.IsValid() {
		if !ip.Is4() {
			return fmt.Errorf("SOCKS4 carries IPv4 only, got %v", ip)
		}
		a4 := ip.As4()
		b = append(b, a4[:]...)
	} else {
		if len(host) > 255 {
			return fmt.Errorf("domain name length = %v is over 255", len(host))
		}
		b = append(b, 0, 0, 0, 1)
	}
	if len(userID) > 255 {
		return fmt.Errorf("user id length = %v is over 255", len(userID))
	}
	b = append(b, userID...)
	b = append(b, 0)
	if !ip.IsValid() {
		b = append(b, host...)
		b = append(b, 0)
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("failed to write SOCKS4 request: %w", err)
	}

	// The reply is:
	//     +----+----+---------+-------+
	//     | VN | CD | DSTPORT | DSTIP |
	//     +----+----+---------+-------+
	//       1    1       2        4
	// VN is the reply version 0, not the protocol version.
	if _, err := io.ReadFull(conn, buffer[:socks4ReplyLength]); err != nil {
		return fmt.Errorf("failed to read SOCKS4 reply: %w", err)
	}
	if buffer[0] != socks4ReplyNull {
		return fmt.Errorf("invalid SOCKS4 reply version %v, expected 0", buffer[0])
	}
	if buffer[1] != socks4Granted {
		return V4Reply(buffer[1])
	}
	return nil
}
