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
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Proxy is a parsed, canonicalized proxy URL.
type Proxy struct {
	// Scheme is the lowercased proxy protocol: http, https, socks,
	// socks4, socks4a, socks5 or socks5h.
	Scheme string
	// Host is the lowercased proxy hostname or IP literal, no brackets.
	Host string
	// Port is the proxy port, defaulted by scheme when the URL has none.
	Port int
	// User optionally carries the proxy credentials.
	User *url.Userinfo
}

// DefaultPort returns the conventional port for a proxy scheme, or 0 for
// an unknown scheme.
func DefaultPort(scheme string) int {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	case "socks", "socks4", "socks4a", "socks5", "socks5h":
		return 1080
	}
	return 0
}

// ParseProxy parses rawURL into a [Proxy]. Malformed URLs yield an
// [*InvalidRequestError]; a scheme outside the supported set yields an
// [*UnsupportedSchemeError]. The result round-trips through
// [Proxy.String] into an equivalent URL.
func ParseProxy(rawURL string) (*Proxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("proxy URL %q: %v", rawURL, err)}
	}
	scheme := strings.ToLower(u.Scheme)
	if DefaultPort(scheme) == 0 {
		return nil, &UnsupportedSchemeError{Scheme: u.Scheme}
	}
	if u.Opaque != "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("proxy URL %q must not have a path, query or fragment", rawURL)}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("proxy URL %q has no host", rawURL)}
	}
	port := DefaultPort(scheme)
	if portText := u.Port(); portText != "" {
		port, err = strconv.Atoi(portText)
		if err != nil || port < 1 || port > 65535 {
			return nil, &InvalidRequestError{Reason: fmt.Sprintf("proxy URL %q has invalid port %q", rawURL, portText)}
		}
	}
	return &Proxy{Scheme: scheme, Host: host, Port: port, User: u.User}, nil
}

// Addr returns the proxy in "host:port" form.
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String renders the canonical proxy URL, including credentials and an
// explicit port.
func (p *Proxy) String() string {
	u := url.URL{Scheme: p.Scheme, User: p.User, Host: p.Addr()}
	return u.String()
}

// BasicCredential returns the Proxy-Authorization value for the
// descriptor's credentials, or "" when it has none.
func (p *Proxy) BasicCredential() string {
	if p.User == nil {
		return ""
	}
	password, _ := p.User.Password()
	credential := p.User.Username() + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credential))
}
