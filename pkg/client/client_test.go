package client

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emweb-io/emweb/pkg/errors"
)

// script is a minimal scripted HTTP peer: it captures each request it
// receives and answers with the next canned response.
type script struct {
	t         *testing.T
	ln        net.Listener
	mu        sync.Mutex
	requests  []string
	responses []string
	conns     int
}

func newScript(t *testing.T, responses ...string) *script {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &script{t: t, ln: ln, responses: responses}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *script) addr() string {
	return s.ln.Addr().String()
}

func (s *script) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *script) serveConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		request, ok := readRequest(br)
		if !ok {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, request)
		var response string
		if len(s.responses) > 0 {
			response = s.responses[0]
			s.responses = s.responses[1:]
		}
		s.mu.Unlock()
		if response == "" {
			return
		}
		conn.Write([]byte(response))
	}
}

// readRequest consumes one framed request: headers plus a Content-Length
// or chunked body.
func readRequest(br *bufio.Reader) (string, bool) {
	var b strings.Builder
	contentLength := 0
	chunked := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", false
		}
		b.WriteString(line)
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "content-length:") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(line[len("content-length:"):]))
		}
		if strings.HasPrefix(lower, "transfer-encoding:") && strings.Contains(lower, "chunked") {
			chunked = true
		}
		if line == "\r\n" {
			break
		}
	}
	switch {
	case chunked:
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return "", false
			}
			b.WriteString(line)
			if line == "0\r\n" {
				// Trailing blank line.
				end, err := br.ReadString('\n')
				if err != nil {
					return "", false
				}
				b.WriteString(end)
				return b.String(), true
			}
		}
	case contentLength > 0:
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return "", false
		}
		b.Write(body)
	}
	return b.String(), true
}

func (s *script) request(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return ""
	}
	return s.requests[i]
}

func (s *script) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func testOptions() Options {
	return Options{
		ConnTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	}
}

const okResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok"

func TestGetFraming(t *testing.T) {
	s := newScript(t, okResponse)
	c := New(testOptions())
	defer c.Disconnect()

	result, err := c.Get("http://"+s.addr()+"/status?probe=1", map[string]string{"X-Extra": "v"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Status != 200 || string(result.Body) != "ok" {
		t.Fatalf("status %d body %q", result.Status, result.Body)
	}

	request := s.request(0)
	if !strings.HasPrefix(request, "GET /status?probe=1 HTTP/1.1\r\n") {
		t.Fatalf("request line wrong:\n%s", request)
	}
	// A bodiless GET declares a zero Content-Length rather than chunking.
	if !strings.Contains(request, "Content-Length: 0\r\n") {
		t.Fatalf("missing Content-Length 0:\n%s", request)
	}
	if strings.Contains(request, "Transfer-Encoding") {
		t.Fatalf("GET must not be chunked:\n%s", request)
	}
	if !strings.Contains(request, "Host: "+s.addr()+"\r\n") {
		t.Fatalf("missing host header:\n%s", request)
	}
	if !strings.Contains(request, "X-Extra: v\r\n") {
		t.Fatalf("missing caller header:\n%s", request)
	}
}

func TestPostChunkedFraming(t *testing.T) {
	s := newScript(t, okResponse)
	c := New(testOptions())
	defer c.Disconnect()

	if _, err := c.Post("http://"+s.addr()+"/submit", "text/plain", []byte("hello")); err != nil {
		t.Fatalf("post: %v", err)
	}

	request := s.request(0)
	if !strings.Contains(request, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("expected chunked framing:\n%s", request)
	}
	if !strings.Contains(request, "5\r\nhello\r\n0\r\n\r\n") {
		t.Fatalf("chunked body wrong:\n%s", request)
	}
}

func TestExplicitContentLengthRaw(t *testing.T) {
	s := newScript(t, okResponse)
	c := New(testOptions())
	defer c.Disconnect()

	if err := c.Start("POST", "http://"+s.addr()+"/raw"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.WriteHeaders(map[string]string{"Content-Length": "5"}); err != nil {
		t.Fatalf("headers: %v", err)
	}
	if err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if status, err := c.Status(); err != nil || status != 200 {
		t.Fatalf("status %d err %v", status, err)
	}
	c.Drain()
	c.Close()

	request := s.request(0)
	if strings.Contains(request, "Transfer-Encoding") {
		t.Fatalf("explicit length must suppress chunking:\n%s", request)
	}
	if !strings.HasSuffix(request, "\r\n\r\nhello") {
		t.Fatalf("raw body wrong:\n%s", request)
	}
}

func TestWriteBeyondDeclaredLength(t *testing.T) {
	s := newScript(t, okResponse)
	c := New(testOptions())
	defer c.Disconnect()

	c.Start("POST", "http://"+s.addr()+"/raw")
	c.WriteHeaders(map[string]string{"Content-Length": "3"})
	if err := c.Write([]byte("toolong")); errors.KindOf(err) != errors.KindBadArgs {
		t.Fatalf("expected bad-args, got %v", err)
	}
}

func TestFinalizeIdempotentClient(t *testing.T) {
	s := newScript(t, okResponse)
	c := New(testOptions())
	defer c.Disconnect()

	c.Start("GET", "http://"+s.addr()+"/")
	if err := c.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := c.Finalize(); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if _, err := c.Status(); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestConnectionReuseSameOrigin(t *testing.T) {
	s := newScript(t, okResponse, okResponse)
	c := New(testOptions())
	defer c.Disconnect()

	for i := 0; i < 2; i++ {
		result, err := c.Get("http://"+s.addr()+"/", nil)
		if err != nil || result.Status != 200 {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if s.connCount() != 1 {
		t.Fatalf("expected one connection, got %d", s.connCount())
	}
}

func TestNoReuseAfterConnectionClose(t *testing.T) {
	closing := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	s := newScript(t, closing, okResponse)
	c := New(testOptions())
	defer c.Disconnect()

	for i := 0; i < 2; i++ {
		if _, err := c.Get("http://"+s.addr()+"/", nil); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if s.connCount() != 2 {
		t.Fatalf("expected a fresh connection after close, got %d", s.connCount())
	}
}

func TestBufLimitBoundsResponse(t *testing.T) {
	big := strings.Repeat("x", 64)
	s := newScript(t, "HTTP/1.1 200 OK\r\nContent-Length: 64\r\n\r\n"+big)
	opts := testOptions()
	opts.BufLimit = 16
	c := New(opts)
	defer c.Disconnect()

	c.Start("GET", "http://"+s.addr()+"/")
	if _, err := c.Status(); err != nil {
		t.Fatalf("status: %v", err)
	}
	_, err := c.Response()
	if errors.KindOf(err) != errors.KindMemory {
		t.Fatalf("expected memory error, got %v", err)
	}
}

func TestBadStatusLineFatal(t *testing.T) {
	s := newScript(t, "HTTP/1.1 999 Nope\r\nContent-Length: 0\r\n\r\n")
	c := New(testOptions())
	defer c.Disconnect()

	c.Start("GET", "http://"+s.addr()+"/")
	if _, err := c.Status(); errors.KindOf(err) != errors.KindBadArgs {
		t.Fatalf("expected framing error, got %v", err)
	}
}

func TestChunkedResponseBody(t *testing.T) {
	s := newScript(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	c := New(testOptions())
	defer c.Disconnect()

	result, err := c.Get("http://"+s.addr()+"/", nil)
	if err != nil || string(result.Body) != "hello world" {
		t.Fatalf("body %q err %v", result.Body, err)
	}
}

func TestHeadResponseHasNoBody(t *testing.T) {
	s := newScript(t, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n")
	c := New(testOptions())
	defer c.Disconnect()

	result, err := c.Fetch("HEAD", "http://"+s.addr()+"/", nil, nil)
	if err != nil || result.Status != 200 || len(result.Body) != 0 {
		t.Fatalf("status %d body %q err %v", result.Status, result.Body, err)
	}
}
