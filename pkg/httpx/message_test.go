package httpx

import (
	"strings"
	"testing"

	"github.com/emweb-io/emweb/pkg/hmap"
)

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"get", "GET /index.html HTTP/1.1", true},
		{"post http10", "POST /x HTTP/1.0", true},
		{"lowercase method", "get / HTTP/1.1", false},
		{"unknown method", "BREW / HTTP/1.1", false},
		{"bad protocol", "GET / HTTP/2.0", false},
		{"missing parts", "GET /", false},
		{"control char in target", "GET /a\x01b HTTP/1.1", false},
		{"escaped control char", "GET /a%01b HTTP/1.1", false},
		{"escaped space ok", "GET /a%20b HTTP/1.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequestLine(tt.line)
			if (err == nil) != tt.ok {
				t.Fatalf("line %q: err=%v", tt.line, err)
			}
		})
	}
}

func TestParseStatusLine(t *testing.T) {
	sl, err := ParseStatusLine("HTTP/1.1 200 OK")
	if err != nil || sl.Status != 200 || sl.Reason != "OK" {
		t.Fatalf("got %+v err %v", sl, err)
	}
	for _, bad := range []string{
		"HTTP/1.1 99 Low",
		"HTTP/1.1 600 High",
		"HTTP/1.1 abc Bad",
		"garbage",
	} {
		if _, err := ParseStatusLine(bad); err == nil {
			t.Fatalf("expected failure for %q", bad)
		}
	}
}

func TestHeaderTokenizer(t *testing.T) {
	name, value, err := ParseHeaderLine("Content-Type:   text/html  ")
	if err != nil || name != "Content-Type" || value != "text/html" {
		t.Fatalf("got %q=%q err %v", name, value, err)
	}

	for _, bad := range []string{
		"Bad Header: x",   // Space in name
		"Bad\x00Name: x",  // Control char
		"novalue",         // No colon
		": empty name",    // Empty name
		"Héader: utf8",    // Non-token byte
	} {
		if _, _, err := ParseHeaderLine(bad); err == nil {
			t.Fatalf("expected rejection of %q", bad)
		}
	}
}

// Round-trip: parse(serialize(headers)) preserves names, values and order.
func TestHeaderRoundTrip(t *testing.T) {
	h := hmap.New()
	h.Add("Host", "example.com")
	h.Add("X-First", "1")
	h.Add("Accept", "text/html, application/json")
	h.Add("X-First", "2")

	serialized := SerializeHeaders(h)
	parsed, err := ParseHeaderBlock(strings.TrimSuffix(serialized, "\r\n\r\n"))
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if parsed.Len() != h.Len() {
		t.Fatalf("length mismatch: %d vs %d", parsed.Len(), h.Len())
	}

	var original, reparsed []string
	h.Range(func(n, v string) bool { original = append(original, n+"="+v); return true })
	parsed.Range(func(n, v string) bool { reparsed = append(reparsed, n+"="+v); return true })
	for i := range original {
		if original[i] != reparsed[i] {
			t.Fatalf("round trip broke entry %d: %q vs %q", i, original[i], reparsed[i])
		}
	}
}

func TestKeepAlivePolicy(t *testing.T) {
	tests := []struct {
		name       string
		proto      string
		connection string
		want       bool
	}{
		{"http11 default", Proto11, "", true},
		{"http11 close", Proto11, "close", false},
		{"http10 default", Proto10, "", false},
		{"http10 keep-alive", Proto10, "keep-alive", true},
		{"case insensitive", Proto11, "Close", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := hmap.New()
			if tt.connection != "" {
				h.Set("Connection", tt.connection)
			}
			if got := KeepAlive(tt.proto, h); got != tt.want {
				t.Fatalf("got %v", got)
			}
		})
	}
}

func TestParseContentLength(t *testing.T) {
	if n, err := ParseContentLength(" 42 "); err != nil || n != 42 {
		t.Fatalf("got %d err %v", n, err)
	}
	for _, bad := range []string{"-1", "abc", "99999999999999999999999"} {
		if _, err := ParseContentLength(bad); err == nil {
			t.Fatalf("expected failure for %q", bad)
		}
	}
}

func TestBodilessStatus(t *testing.T) {
	for _, code := range []int{100, 101, 204, 304} {
		if !BodilessStatus(code) {
			t.Fatalf("%d must be bodiless", code)
		}
	}
	for _, code := range []int{200, 206, 404, 500} {
		if BodilessStatus(code) {
			t.Fatalf("%d must allow a body", code)
		}
	}
}
