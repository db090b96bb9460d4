package server

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emweb-io/emweb/pkg/buffer"
	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/fiber"
	"github.com/emweb-io/emweb/pkg/hmap"
	"github.com/emweb-io/emweb/pkg/httpx"
	"github.com/emweb-io/emweb/pkg/sse"
	"github.com/emweb-io/emweb/pkg/ws"
)

// Request is the server-side request/response object. It is exclusively
// owned by its handler fiber from accept to finalize.
type Request struct {
	host *Host
	conn *fiber.Conn
	br   *bufio.Reader

	deadlines fiber.Deadlines

	// Parsed request line.
	Method string
	Target string
	Proto  string
	Path   string // Normalized
	Query  string
	Hash   string

	// Per-verb flags, hot on the dispatch path.
	Get, Head, Post, Put, Delete, Patch, Options bool

	HTTP10   bool
	Secure   bool
	FormBody bool
	JSONBody bool

	Headers     *hmap.Headers
	ContentType string
	Cookies     map[string]string
	Origin      string
	HostHeader  string

	// Conditional and range state.
	Conditionals httpx.Conditionals
	Ranges       []httpx.RangeSpec

	// Receive framing.
	chunkedRx  bool
	haveLength bool
	body       io.Reader
	bodyBuf    *buffer.Spool
	bodyRead   bool

	// Transmit framing flags, hot on every I/O.
	Status       int
	respHeaders  *hmap.Headers
	wroteHeaders bool
	finalized    bool
	upgraded     bool
	closeAfter   bool
	chunkedTx    bool
	txLength     int64 // -1 while unknown
	txWritten    int64
	chunker      *httpx.ChunkWriter
	sseEncoder   *sse.Encoder

	route       *Route
	session     *Session
	user        *User
	SignatureID string
	Form        map[string]string
	Uploads     []*Upload

	// WS is the frame connection after a successful upgrade.
	WS *ws.Conn

	requestCount int // Position within the keep-alive connection
}

func newRequest(h *Host, conn *fiber.Conn, br *bufio.Reader) *Request {
	return &Request{host: h, conn: conn, br: br}
}

// reset prepares the object for the next request on the connection.
func (r *Request) reset() {
	t := &r.host.Config.Timeouts
	r.deadlines = fiber.NewDeadlines(
		time.Duration(t.Parse)*time.Second,
		time.Duration(t.Inactivity)*time.Second,
		time.Duration(t.Request)*time.Second,
	)

	r.Method, r.Target, r.Proto = "", "", ""
	r.Path, r.Query, r.Hash = "", "", ""
	r.Get, r.Head, r.Post, r.Put, r.Delete, r.Patch, r.Options = false, false, false, false, false, false, false
	r.HTTP10, r.FormBody, r.JSONBody = false, false, false
	r.Headers = nil
	r.ContentType = ""
	r.Cookies = nil
	r.Origin, r.HostHeader = "", ""
	r.Conditionals = httpx.Conditionals{}
	r.Ranges = nil
	r.chunkedRx, r.haveLength, r.bodyRead = false, false, false
	r.body = nil
	if r.bodyBuf != nil {
		r.bodyBuf.Close()
		r.bodyBuf = nil
	}
	r.Status = 200
	r.respHeaders = hmap.New()
	r.wroteHeaders, r.finalized, r.upgraded, r.closeAfter, r.chunkedTx = false, false, false, false, false
	r.txLength = -1
	r.txWritten = 0
	r.chunker = nil
	r.sseEncoder = nil
	r.route = nil
	r.session = nil
	r.user = nil
	r.SignatureID = ""
	r.Form = nil
	r.WS = nil
	r.removeUploads()
}

// User returns the authenticated user, if any.
func (r *Request) User() *User {
	return r.user
}

// Route returns the matched route.
func (r *Request) Route() *Route {
	return r.route
}

// RemoteAddr returns the peer address.
func (r *Request) RemoteAddr() string {
	return r.conn.RemoteAddr()
}

// readDeadline is the effective deadline for the next read.
func (r *Request) readDeadline() time.Time {
	return r.deadlines.Nearest()
}

// updateDeadline advances the inactivity deadline after successful I/O.
func (r *Request) updateDeadline() {
	r.deadlines.Update()
}

// --- Response write path -------------------------------------------------

// SetStatus sets the response status. Ignored once headers are written.
func (r *Request) SetStatus(status int) {
	if !r.wroteHeaders {
		r.Status = status
	}
}

// SetHeader sets a response header, replacing prior values.
func (r *Request) SetHeader(name, value string) {
	r.respHeaders.Set(name, value)
}

// AddHeader appends a response header line.
func (r *Request) AddHeader(name, value string) {
	r.respHeaders.Add(name, value)
}

// SetContentLength declares the body length so the response is sent raw
// instead of chunked.
func (r *Request) SetContentLength(n int64) {
	if !r.wroteHeaders {
		r.txLength = n
	}
}

// DontCache marks the response uncacheable.
func (r *Request) DontCache() {
	r.SetHeader("Cache-Control", "no-store")
}

// WriteHeaders emits the status line and headers. Called implicitly by the
// first Write. Headers always carry Date and Server; exactly one of
// Content-Length or chunked Transfer-Encoding is emitted except for 204,
// 304 and 1xx which carry neither.
func (r *Request) WriteHeaders() error {
	if r.wroteHeaders {
		return nil
	}
	r.wroteHeaders = true

	headers := r.respHeaders
	headers.Set("Date", httpx.FormatDate(fiber.Clock.Now()))
	headers.Set("Server", "emweb/"+Version)

	bodiless := httpx.BodilessStatus(r.Status)
	if bodiless {
		headers.Del("Content-Length")
		headers.Del("Transfer-Encoding")
	} else {
		if !headers.Has("Content-Type") {
			headers.Set("Content-Type", "text/html")
		}
		if cl := headers.Get("Content-Length"); cl != "" && r.txLength < 0 {
			if n, err := httpx.ParseContentLength(cl); err == nil {
				r.txLength = n
			}
		}
		if r.txLength >= 0 {
			headers.Set("Content-Length", strconv.FormatInt(r.txLength, 10))
			headers.Del("Transfer-Encoding")
		} else {
			headers.Set("Transfer-Encoding", "chunked")
			headers.Del("Content-Length")
			r.chunkedTx = true
		}
	}
	if r.closeAfter || !r.keepAlive() {
		headers.Set("Connection", "close")
	} else if r.HTTP10 {
		headers.Set("Connection", "keep-alive")
	}

	var b strings.Builder
	proto := httpx.Proto11
	if r.HTTP10 {
		proto = httpx.Proto10
	}
	b.WriteString(proto)
	b.WriteString(" ")
	b.WriteString(strconv.Itoa(r.Status))
	b.WriteString(" ")
	b.WriteString(httpx.StatusText(r.Status))
	b.WriteString("\r\n")
	b.WriteString(httpx.SerializeHeaders(headers))

	if r.host.showRespHeaders {
		log.Debugf("tx %s", b.String())
	}
	if _, err := r.conn.Write([]byte(b.String()), r.readDeadline()); err != nil {
		r.closeAfter = true
		return err
	}
	r.updateDeadline()
	if r.chunkedTx {
		r.chunker = httpx.NewChunkWriter(r.conn.Writer(r.readDeadline))
	}
	return nil
}

// Write sends body bytes, emitting headers on the first call. HEAD
// responses accept and discard the body.
func (r *Request) Write(p []byte) (int, error) {
	if r.finalized {
		return 0, errors.NewBadState("write", "response finalized")
	}
	if err := r.WriteHeaders(); err != nil {
		return 0, err
	}
	if r.Head || httpx.BodilessStatus(r.Status) {
		return len(p), nil
	}
	if r.host.showRespBody {
		log.Debugf("tx body: %q", p)
	}

	var err error
	if r.chunkedTx {
		_, err = r.chunker.Write(p)
	} else {
		_, err = r.conn.Write(p, r.readDeadline())
	}
	if err != nil {
		r.closeAfter = true
		return 0, err
	}
	r.txWritten += int64(len(p))
	r.updateDeadline()
	return len(p), nil
}

// WriteString writes a string body fragment.
func (r *Request) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Finalize completes the response. Headers are emitted if they were not
// already (a bodiless response gets Content-Length 0); a chunked body gets
// its terminator. Calling Finalize again is a no-op.
func (r *Request) Finalize() error {
	if r.finalized {
		return nil
	}
	if !r.wroteHeaders && r.txLength < 0 {
		r.txLength = 0
	}
	if err := r.WriteHeaders(); err != nil {
		r.finalized = true
		return err
	}
	r.finalized = true
	if r.chunker != nil && !r.Head && !httpx.BodilessStatus(r.Status) {
		if err := r.chunker.Close(); err != nil {
			r.closeAfter = true
			return err
		}
	}
	return nil
}

// Error answers with a status and a plain-text body, or closes the
// connection when headers are already on the wire.
func (r *Request) Error(status int, message string) {
	if r.wroteHeaders {
		r.closeAfter = true
		return
	}
	if message == "" {
		message = httpx.StatusText(status)
	}
	r.Status = status
	r.respHeaders.Set("Content-Type", "text/plain")
	if status == 429 || status == 503 {
		r.respHeaders.Set("Retry-After", "30")
	}
	body := message + "\n"
	r.txLength = int64(len(body))
	if _, err := r.Write([]byte(body)); err != nil {
		return
	}
	r.Finalize()
}

// Redirect answers with a Location header. Status defaults to 302.
func (r *Request) Redirect(status int, location string) {
	if status == 0 {
		status = 302
	}
	r.SetStatus(status)
	r.SetHeader("Location", location)
	r.Finalize()
}

// WriteEvent emits one server-sent event, switching the response to
// text/event-stream on first use.
func (r *Request) WriteEvent(ev *sse.Event) error {
	if r.sseEncoder == nil {
		if !r.wroteHeaders {
			r.SetHeader("Content-Type", "text/event-stream")
			r.SetHeader("Cache-Control", "no-store")
		}
		if err := r.WriteHeaders(); err != nil {
			return err
		}
		r.sseEncoder = sse.NewEncoder(writerFunc(func(p []byte) (int, error) {
			return r.Write(p)
		}))
	}
	return r.sseEncoder.Write(ev)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// keepAlive decides whether the connection survives this exchange.
func (r *Request) keepAlive() bool {
	if r.closeAfter || r.upgraded {
		return false
	}
	if r.host.Config.Limits.MaxRequests > 0 && r.requestCount >= r.host.Config.Limits.MaxRequests {
		return false
	}
	if r.Headers == nil {
		return false
	}
	return httpx.KeepAlive(r.Proto, r.Headers)
}

// --- Request body read path ----------------------------------------------

// prepareBody builds the body reader from the framing headers.
func (r *Request) prepareBody() error {
	te := strings.ToLower(r.Headers.Get("Transfer-Encoding"))
	switch {
	case strings.Contains(te, "chunked"):
		r.chunkedRx = true
		r.body = httpx.NewDechunker(r.br)
	case r.Headers.Has("Content-Length"):
		n, err := httpx.ParseContentLength(r.Headers.Get("Content-Length"))
		if err != nil {
			return err
		}
		if !r.route.Stream && n > r.host.Config.Limits.MaxBody {
			return errors.NewLimitError("maxBody", "request body exceeds limit")
		}
		r.haveLength = true
		r.body = io.LimitReader(r.br, n)
	default:
		r.body = strings.NewReader("")
	}
	return nil
}

// Read streams request body bytes.
func (r *Request) Read(p []byte) (int, error) {
	if r.body == nil {
		return 0, io.EOF
	}
	n, err := r.body.Read(p)
	if n > 0 {
		r.updateDeadline()
		if r.host.showReqBody {
			log.Debugf("rx body: %q", p[:n])
		}
	}
	return n, err
}

// Body buffers the whole request body, bounded by maxBody unless the route
// streams. Bodies above maxBuffer spill into the upload directory rather
// than growing in memory.
func (r *Request) Body() ([]byte, error) {
	if r.bodyRead {
		return r.bodyBuf.Bytes()
	}
	limit := r.host.Config.Limits.MaxBody
	spool := buffer.NewSpoolIn(r.host.Config.Upload.Dir, int64(r.host.Config.Limits.MaxBuffer))
	total := int64(0)
	chunk := make([]byte, 16*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if !r.route.Stream && total > limit {
				spool.Close()
				return nil, errors.NewLimitError("maxBody", "request body exceeds limit")
			}
			if _, werr := spool.Write(chunk[:n]); werr != nil {
				spool.Close()
				return nil, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			spool.Close()
			return nil, err
		}
	}
	r.bodyBuf = spool
	r.bodyRead = true
	return spool.Bytes()
}

// drain discards whatever request body remains so the next request can be
// parsed off the connection.
func (r *Request) drain() error {
	if r.upgraded {
		return nil
	}
	if r.body == nil {
		// The body was never prepared; if the peer sent one the socket
		// position is unknown and the connection cannot be reused.
		if r.Headers != nil {
			cl := r.Headers.Get("Content-Length")
			if r.Headers.Has("Transfer-Encoding") || (cl != "" && cl != "0") {
				r.closeAfter = true
			}
		}
		return nil
	}
	chunk := make([]byte, 16*1024)
	for {
		_, err := r.Read(chunk)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// removeUploads unlinks upload temp files unless configured otherwise.
func (r *Request) removeUploads() {
	if len(r.Uploads) == 0 {
		return
	}
	if r.host.Config.Upload.AutoRemove == nil || *r.host.Config.Upload.AutoRemove {
		for _, up := range r.Uploads {
			up.remove()
		}
	}
	r.Uploads = nil
}
