package server

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emweb-io/emweb/pkg/buffer"
	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/fiber"
	"github.com/emweb-io/emweb/pkg/hmap"
	"github.com/emweb-io/emweb/pkg/httpx"
)

// acceptLoop accepts connections for one listener and spawns a connection
// fiber per socket. Connections beyond maxConnections are answered 503 and
// closed.
func (h *Host) acceptLoop(ln net.Listener, secure bool) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if h.stopping {
				return
			}
			log.Debugf("accept failed: %v", err)
			continue
		}
		if !h.connStart() {
			fiber.Spawn("reject", func() { rejectOverflow(raw) })
			continue
		}
		conn := fiber.Wrap(raw, secure)
		fiber.Spawn("conn:"+conn.RemoteAddr(), func() {
			defer h.connEnd()
			defer conn.Disconnect()
			h.connectionLoop(conn)
		})
	}
}

// rejectOverflow answers a connection over the limit with a brief 503.
func rejectOverflow(raw net.Conn) {
	defer raw.Close()
	body := httpx.StatusText(503) + "\n"
	response := httpx.Proto11 + " 503 " + httpx.StatusText(503) + "\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Retry-After: 30\r\n" +
		"Connection: close\r\n\r\n" + body
	raw.SetWriteDeadline(fiber.Clock.Now().Add(2 * time.Second))
	raw.Write([]byte(response))
}

// connectionLoop serves requests off one connection until close.
func (h *Host) connectionLoop(conn *fiber.Conn) {
	r := newRequest(h, conn, nil)
	r.br = bufio.NewReader(conn.Reader(r.readDeadline))
	r.Secure = conn.Secure()
	defer r.removeUploads()

	for count := 1; ; count++ {
		r.reset()
		r.requestCount = count
		r.Secure = conn.Secure()

		if !h.serveOne(r) {
			return
		}
		if r.upgraded {
			return
		}
		if !r.keepAlive() {
			return
		}
	}
}

// serveOne runs one request through the engine. The return value reports
// whether the connection is still usable.
func (h *Host) serveOne(r *Request) bool {
	head, err := h.readHead(r)
	if err != nil {
		return h.failEarly(r, err)
	}
	r.deadlines.ClearParse()

	if err := h.parseHead(r, head); err != nil {
		return h.failEarly(r, err)
	}

	h.dispatch(r)

	if err := r.Finalize(); err != nil {
		return false
	}
	if err := r.drain(); err != nil {
		return false
	}
	return !r.closeAfter
}

// failEarly maps a pre-dispatch error onto a response or a plain close.
// Deadline lapses answer 408 when headers are still unsent.
func (h *Host) failEarly(r *Request, err error) bool {
	if errors.IsTimeout(err) {
		if !r.wroteHeaders {
			r.Error(408, "")
		}
		return false
	}
	if errors.KindOf(err) == errors.KindBadArgs {
		r.Error(400, err.Error())
		return false
	}
	if errors.KindOf(err) == errors.KindMemory {
		r.Error(413, "")
		return false
	}
	// Network error: nothing can be said on the wire.
	return false
}

// readHead reads up to the blank line into the header buffer, bounded by
// maxHeader and the parse deadline.
func (h *Host) readHead(r *Request) (string, error) {
	head := buffer.New(h.Config.Limits.MaxHeader)
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			return "", errors.NewReadError("reading request head", err)
		}
		r.updateDeadline()
		if head.Len() == 0 && (line == "\r\n" || line == "\n") {
			// Stray blank line between keep-alive requests.
			continue
		}
		if !head.WriteString(line) {
			return "", errors.NewLimitError("maxHeader", "request head exceeds limit")
		}
		if line == "\r\n" || line == "\n" {
			return string(head.Bytes()), nil
		}
	}
}

// parseHead parses the request line and headers and derives the request
// state: flags, normalized path, cookies, conditional and range headers.
func (h *Host) parseHead(r *Request, head string) error {
	lines := strings.Split(strings.TrimRight(head, "\r\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	if len(lines) == 0 || lines[0] == "" {
		return errors.NewProtocolError("empty request head", nil)
	}

	rl, err := httpx.ParseRequestLine(lines[0])
	if err != nil {
		return err
	}
	r.Method, r.Target, r.Proto = rl.Method, rl.Target, rl.Proto
	r.HTTP10 = rl.Proto == httpx.Proto10
	switch rl.Method {
	case "GET":
		r.Get = true
	case "HEAD":
		r.Head = true
	case "POST":
		r.Post = true
	case "PUT":
		r.Put = true
	case "DELETE":
		r.Delete = true
	case "PATCH":
		r.Patch = true
	case "OPTIONS":
		r.Options = true
	}

	headers := hmap.New()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, err := httpx.ParseHeaderLine(line)
		if err != nil {
			return err
		}
		headers.Add(name, value)
	}
	r.Headers = headers
	if h.showReqHeaders {
		log.Debugf("rx %s %s\n%s", r.Method, r.Target, httpx.SerializeHeaders(headers))
	}

	path, query, hash := httpx.SplitTarget(r.Target)
	normalized, err := httpx.NormalizePath(httpx.Decode(path))
	if err != nil {
		return err
	}
	r.Path = normalized
	r.Query = query
	r.Hash = hash

	r.ContentType = headers.Get("Content-Type")
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(r.ContentType, ";", 2)[0]))
	r.FormBody = base == "application/x-www-form-urlencoded"
	r.JSONBody = base == "application/json"

	r.HostHeader = headers.Get("Host")
	r.Origin = headers.Get("Origin")
	r.Cookies = parseCookies(headers.Get("Cookie"))

	if rangeHeader := headers.Get("Range"); rangeHeader != "" {
		specs, err := httpx.ParseRange(rangeHeader)
		if err != nil {
			return err
		}
		r.Ranges = specs
	}
	parseConditionals(r)
	return nil
}

func parseConditionals(r *Request) {
	c := &r.Conditionals
	headers := r.Headers
	if v := headers.Get("If-Modified-Since"); v != "" {
		c.IfModifiedSince = httpx.ParseDate(v)
	}
	if v := headers.Get("If-Unmodified-Since"); v != "" {
		c.IfUnmodifiedSince = httpx.ParseDate(v)
	}
	if v := headers.Get("If-Match"); v != "" {
		c.IfMatch = httpx.ParseTagList(v)
	}
	if v := headers.Get("If-None-Match"); v != "" {
		c.IfNoneMatch = httpx.ParseTagList(v)
	}
	if v := headers.Get("If-Range"); v != "" {
		if t := httpx.ParseDate(v); !t.IsZero() {
			c.IfRangeDate = t
		} else {
			tag := httpx.ParseTag(v)
			c.IfRange = &tag
		}
	}
}

// parseCookies splits a Cookie header into name/value pairs.
func parseCookies(header string) map[string]string {
	if header == "" {
		return nil
	}
	cookies := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if found {
			cookies[name] = strings.Trim(value, `"`)
		}
	}
	return cookies
}

