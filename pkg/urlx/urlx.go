// Package urlx decomposes the URL dialect accepted by the engine:
//
//	[scheme://][host][:port][/path][?query][#hash]
//
// The grammar is deliberately looser than net/url: a bare ":8080/status" or
// "8080/status" names a port on localhost, IPv6 hosts are bracketed, and a
// missing scheme defaults to http (or ws for WebSocket callers).
package urlx

import (
	"strconv"
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
)

// URL is a decomposed endpoint reference.
type URL struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Query  string
	Hash   string
}

// Secure reports whether the scheme implies TLS.
func (u *URL) Secure() bool {
	return u.Scheme == "https" || u.Scheme == "wss"
}

// WebSocket reports whether the scheme is a WebSocket scheme.
func (u *URL) WebSocket() bool {
	return u.Scheme == "ws" || u.Scheme == "wss"
}

// Address returns "host:port" suitable for dialing, bracketing IPv6 hosts.
func (u *URL) Address() string {
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(u.Port)
}

// RequestTarget returns the path plus query as sent on the request line.
// An empty path serializes as "/".
func (u *URL) RequestTarget() string {
	target := u.Path
	if target == "" {
		target = "/"
	}
	if u.Query != "" {
		target += "?" + u.Query
	}
	return target
}

// String reassembles the URL.
func (u *URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	if strings.Contains(u.Host, ":") {
		b.WriteString("[" + u.Host + "]")
	} else {
		b.WriteString(u.Host)
	}
	if u.Port != 0 {
		b.WriteString(":" + strconv.Itoa(u.Port))
	}
	b.WriteString(u.Path)
	if u.Query != "" {
		b.WriteString("?" + u.Query)
	}
	if u.Hash != "" {
		b.WriteString("#" + u.Hash)
	}
	return b.String()
}

// Parse decomposes a URL defaulting a missing scheme to http. Only the
// http and https schemes are accepted.
func Parse(raw string) (*URL, error) {
	u, err := parse(raw, "http")
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NewBadArgs("unsupported scheme: " + u.Scheme)
	}
	return u, nil
}

// ParseWS decomposes a URL defaulting a missing scheme to ws. Only the
// ws and wss schemes are accepted.
func ParseWS(raw string) (*URL, error) {
	u, err := parse(raw, "ws")
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.NewBadArgs("unsupported websocket scheme: " + u.Scheme)
	}
	return u, nil
}

// ParseAny decomposes a URL without scheme restriction, defaulting to http.
// Endpoint configuration ("listen" URIs) uses this form.
func ParseAny(raw string) (*URL, error) {
	return parse(raw, "http")
}

func parse(raw, defaultScheme string) (*URL, error) {
	if raw == "" {
		return nil, errors.NewBadArgs("url cannot be empty")
	}

	u := &URL{Scheme: defaultScheme}
	rest := raw

	if idx := strings.Index(rest, "://"); idx >= 0 {
		u.Scheme = strings.ToLower(rest[:idx])
		if u.Scheme == "" {
			return nil, errors.NewBadArgs("empty scheme in url: " + raw)
		}
		rest = rest[idx+3:]
	}

	// Hash and query split from the tail first so their contents cannot
	// confuse the host/port scan.
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		u.Hash = rest[idx+1:]
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		u.Query = rest[idx+1:]
		rest = rest[:idx]
	}

	authority := rest
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		authority = rest[:idx]
		u.Path = rest[idx:]
	}

	host, portStr, err := splitAuthority(authority)
	if err != nil {
		return nil, err
	}
	u.Host = host

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.NewBadArgs("invalid port: " + portStr)
		}
		if port < 1 || port > 65535 {
			return nil, errors.NewBadArgs("port must be between 1 and 65535, got: " + portStr)
		}
		u.Port = port
	} else {
		u.Port = defaultPort(u.Scheme)
	}

	if u.Host == "" {
		u.Host = "localhost"
	}
	return u, nil
}

// splitAuthority separates host and port. Accepted shapes: "host",
// "host:port", "[v6]:port", "[v6]", ":port" and a bare "port".
func splitAuthority(authority string) (host, port string, err error) {
	if authority == "" {
		return "", "", nil
	}

	if authority[0] == '[' {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", errors.NewBadArgs("unterminated IPv6 literal: " + authority)
		}
		host = authority[1:end]
		rest := authority[end+1:]
		if rest == "" {
			return host, "", nil
		}
		if rest[0] != ':' {
			return "", "", errors.NewBadArgs("invalid characters after IPv6 literal: " + authority)
		}
		return host, rest[1:], nil
	}

	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 {
		return authority[:idx], authority[idx+1:], nil
	}

	// A bare digit run is a port on localhost, not a host name.
	if isDigits(authority) {
		return "", authority, nil
	}
	return authority, "", nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}
