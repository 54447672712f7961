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

package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

type domainAddr struct {
	network string
	address string
}

var _ net.Addr = (*domainAddr)(nil)

func (a *domainAddr) Network() string { return a.network }
func (a *domainAddr) String() string  { return a.address }

// MakeNetAddr returns a [net.Addr] for the given network ("tcp" or "udp")
// and "host:port" address. IP literals yield a [net.TCPAddr] or
// [net.UDPAddr]; domain names yield an opaque address that preserves the
// name. Named ports (e.g. "https") are resolved to numbers.
func MakeNetAddr(network, address string) (net.Addr, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := net.LookupPort(network, portText)
	if err != nil {
		return nil, fmt.Errorf("could not resolve port %q: %w", portText, err)
	}
	if ip, parseErr := netip.ParseAddr(host); parseErr == nil {
		switch network {
		case "tcp":
			return &net.TCPAddr{IP: ip.AsSlice(), Port: port, Zone: ip.Zone()}, nil
		case "udp":
			return &net.UDPAddr{IP: ip.AsSlice(), Port: port, Zone: ip.Zone()}, nil
		default:
			return nil, fmt.Errorf("unsupported network %q for IP address", network)
		}
	}
	return &domainAddr{network: network, address: net.JoinHostPort(host, strconv.Itoa(port))}, nil
}
