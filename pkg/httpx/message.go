// Package httpx implements the shared HTTP/1 framer: request and status
// line parsing, the header tokenizer, the chunked transfer codec, path
// normalization, byte ranges, entity tags and conditional request headers.
// Both the client and the server engines frame their messages through this
// package.
package httpx

import (
	"strconv"
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/hmap"
)

// Protocol versions understood by the engine.
const (
	Proto10 = "HTTP/1.0"
	Proto11 = "HTTP/1.1"
)

// Methods accepted on the request line. Anything else is a 400.
var allowedMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"PATCH":   true,
	"OPTIONS": true,
	"TRACE":   true,
	"CONNECT": true,
}

// tokenChars is the RFC 7230 header-name token allowlist.
var tokenChars [256]bool

func init() {
	for c := byte('0'); c <= '9'; c++ {
		tokenChars[c] = true
	}
	for c := byte('a'); c <= 'z'; c++ {
		tokenChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		tokenChars[c] = true
	}
	for _, c := range []byte("!#$%&'*+-.^_`|~") {
		tokenChars[c] = true
	}
}

// RequestLine is a parsed request first line.
type RequestLine struct {
	Method string
	Target string // Raw request target, undecoded
	Proto  string
}

// ParseRequestLine parses "METHOD target HTTP/1.x". The method must be an
// uppercase member of the allowed set and the target must pass
// ValidatePath.
func ParseRequestLine(line string) (RequestLine, error) {
	var rl RequestLine
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return rl, errors.NewProtocolError("malformed request line", nil)
	}
	rl.Method, rl.Target, rl.Proto = parts[0], parts[1], parts[2]

	if rl.Method != strings.ToUpper(rl.Method) || !allowedMethods[rl.Method] {
		return rl, errors.NewProtocolError("bad method: "+rl.Method, nil)
	}
	if err := ValidatePath(rl.Target); err != nil {
		return rl, err
	}
	if rl.Proto != Proto10 && rl.Proto != Proto11 {
		return rl, errors.NewProtocolError("bad protocol: "+rl.Proto, nil)
	}
	return rl, nil
}

// StatusLine is a parsed response first line.
type StatusLine struct {
	Proto  string
	Status int
	Reason string
}

// ParseStatusLine parses "HTTP/1.x 200 OK". A status outside 100..599 is a
// fatal framing error.
func ParseStatusLine(line string) (StatusLine, error) {
	var sl StatusLine
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return sl, errors.NewProtocolError("malformed status line", nil)
	}
	sl.Proto = parts[0]
	if sl.Proto != Proto10 && sl.Proto != Proto11 {
		return sl, errors.NewProtocolError("bad protocol: "+sl.Proto, nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return sl, errors.NewProtocolError("invalid status code", err)
	}
	if code < 100 || code > 599 {
		return sl, errors.NewProtocolError("status code out of range: "+parts[1], nil)
	}
	sl.Status = code
	if len(parts) == 3 {
		sl.Reason = parts[2]
	}
	return sl, nil
}

// ParseHeaderLine tokenizes one "Name: value" line. The name must be a
// token per RFC 7230; leading whitespace after the colon and trailing
// whitespace of the value are trimmed.
func ParseHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", errors.NewProtocolError("malformed header line", nil)
	}
	name = line[:idx]
	for i := 0; i < len(name); i++ {
		if !tokenChars[name[i]] {
			return "", "", errors.NewProtocolError("invalid header name: "+name, nil)
		}
	}
	value = strings.TrimRight(strings.TrimLeft(line[idx+1:], " \t"), " \t")
	return name, value, nil
}

// ParseHeaderBlock tokenizes a CRLF-separated header block (without the
// terminating empty line) into an ordered map.
func ParseHeaderBlock(block string) (*hmap.Headers, error) {
	headers := hmap.New()
	for _, line := range strings.Split(block, "\r\n") {
		if line == "" {
			continue
		}
		name, value, err := ParseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		headers.Add(name, value)
	}
	return headers, nil
}

// SerializeHeaders writes the header block in insertion order, terminated
// by the blank line.
func SerializeHeaders(headers *hmap.Headers) string {
	var b strings.Builder
	headers.Range(func(name, value string) bool {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
		return true
	})
	b.WriteString("\r\n")
	return b.String()
}

// KeepAlive decides connection persistence for a message. HTTP/1.1
// defaults to keep-alive; HTTP/1.0 requires an explicit opt-in; a
// "Connection: close" on either side forces close.
func KeepAlive(proto string, headers *hmap.Headers) bool {
	connection := strings.ToLower(headers.Get("Connection"))
	if strings.Contains(connection, "close") {
		return false
	}
	if proto == Proto10 {
		return strings.Contains(connection, "keep-alive")
	}
	return true
}

// ParseContentLength validates and parses a Content-Length value.
func ParseContentLength(value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.NewProtocolError("invalid content-length", err)
	}
	if n < 0 {
		return 0, errors.NewProtocolError("negative content-length", nil)
	}
	return n, nil
}

// BodilessStatus reports whether a response status forbids a message body
// (1xx, 204, 304).
func BodilessStatus(status int) bool {
	return (status >= 100 && status < 200) || status == 204 || status == 304
}
