// Package client implements the HTTP/1 client engine: explicit request
// framing over a reused or freshly dialed socket, buffered or streamed
// response reads, authentication retry, the SSE reader and the WebSocket
// client upgrade.
//
// The call order mirrors the engine contract:
//
//	c := client.New(opts)
//	c.Start("POST", "http://host:8080/path")
//	c.WriteHeaders(map[string]string{"Content-Type": "application/json"})
//	c.Write(body)
//	c.Finalize()
//	status, _ := c.Status()
//	data, _ := c.Response()
//	c.Close()
package client

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emweb-io/emweb/pkg/buffer"
	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/fiber"
	"github.com/emweb-io/emweb/pkg/hmap"
	"github.com/emweb-io/emweb/pkg/httpx"
	"github.com/emweb-io/emweb/pkg/tlsconfig"
	"github.com/emweb-io/emweb/pkg/urlx"
)

var log = logrus.WithField("pkg", "client")

const (
	// DefaultBufLimit bounds a buffered response body.
	DefaultBufLimit = 1024 * 1024 // 1MiB

	// maxHeaderBytes bounds a response header block.
	maxHeaderBytes = 64 * 1024
)

// Options controls how the client connects and reads responses.
type Options struct {
	// ConnTimeout bounds dial plus TLS handshake.
	ConnTimeout time.Duration
	// ReadTimeout and WriteTimeout bound each socket operation.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// BufLimit bounds Response(); Read streams unbounded.
	BufLimit int64

	// TLS carries certificates, ciphers and verification toggles.
	TLS tlsconfig.Options

	// Proxy routes the dial through an upstream proxy when set.
	Proxy *ProxyConfig

	// Username and Password enable the automatic retry on a 401.
	Username string
	Password string

	// ShowHeaders and ShowBody trace the exchange at debug level.
	ShowHeaders bool
	ShowBody    bool
}

type state int

const (
	stateIdle state = iota
	stateStarted
	stateWroteHeaders
	stateFinalized
	stateResponse
)

// Client is a single-fiber HTTP/1 client with keep-alive connection reuse.
// It is owned by one fiber at a time.
type Client struct {
	opts Options

	conn *fiber.Conn
	br   *bufio.Reader

	// Identity of the pooled connection.
	scheme string
	host   string
	port   int

	// Request state.
	st        state
	method    string
	url       *urlx.URL
	chunkedTx bool
	txRemain  int64 // Bytes still owed under a known Content-Length
	chunker   *httpx.ChunkWriter

	// Response state.
	status      int
	respProto   string
	respHeaders *hmap.Headers
	body        io.Reader
	bodyless    bool
	drained     bool
	keepAlive   bool

	// Digest state, carried across requests on this client.
	nc        uint32
	lastNonce string
}

// New returns a client with the provided options.
func New(opts Options) *Client {
	if opts.BufLimit <= 0 {
		opts.BufLimit = DefaultBufLimit
	}
	if opts.ConnTimeout <= 0 {
		opts.ConnTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	return &Client{opts: opts}
}

// Start begins a request. The prior socket is kept when scheme, host and
// port are unchanged, the previous response body was fully drained, and
// that response allowed keep-alive; otherwise it is closed and a fresh
// connection dialed. A kept socket is not probed for a close by the peer.
// WebSocket URLs are rejected here; use the WebSocket method.
func (c *Client) Start(method, rawURL string) error {
	if c.st != stateIdle {
		return errors.NewBadState("start", "previous request not complete")
	}
	u, err := urlx.Parse(rawURL)
	if err != nil {
		return err
	}
	method = strings.ToUpper(method)

	if err := c.obtainConn(u); err != nil {
		return err
	}

	c.method = method
	c.url = u
	c.st = stateStarted
	c.status = 0
	c.respHeaders = nil
	c.body = nil
	c.bodyless = false
	c.drained = false
	c.chunkedTx = false
	c.txRemain = -1
	c.chunker = nil
	return nil
}

// obtainConn reuses or replaces the pooled connection for the target.
func (c *Client) obtainConn(u *urlx.URL) error {
	if c.conn != nil {
		if c.scheme == u.Scheme && c.host == u.Host && c.port == u.Port && c.drainedForReuse() {
			return nil
		}
		c.conn.Disconnect()
		c.conn = nil
	}

	conn, err := dial(u, &c.opts)
	if err != nil {
		return err
	}
	c.conn = conn
	c.br = bufio.NewReader(conn.Reader(c.readDeadline))
	c.scheme = u.Scheme
	c.host = u.Host
	c.port = u.Port
	return nil
}

// drainedForReuse reports whether the prior exchange left the socket
// positioned at a message boundary.
func (c *Client) drainedForReuse() bool {
	return c.drained && c.keepAlive
}

// SetCerts configures the client certificate pair before the next dial.
func (c *Client) SetCerts(certFile, keyFile string) {
	c.opts.TLS.CertFile = certFile
	c.opts.TLS.KeyFile = keyFile
}

// SetCiphers restricts the offered cipher suites before the next dial.
func (c *Client) SetCiphers(ciphers []uint16) {
	c.opts.TLS.Ciphers = ciphers
}

// SetVerify toggles peer and issuer verification before the next dial.
func (c *Client) SetVerify(peer, issuer bool) {
	c.opts.TLS.VerifyPeer = peer
	c.opts.TLS.VerifyIssuer = issuer
}

// WriteHeaders emits the request line and headers. Framing is decided
// here: a caller-provided Content-Length selects raw writes; otherwise
// GET and HEAD are sent with Content-Length 0 and every other method is
// chunked.
func (c *Client) WriteHeaders(extra map[string]string) error {
	// Insertion order: Host first, then caller headers, then framing.
	headers := hmap.New()
	headers.Set("Host", hostHeader(c.url))
	for _, kv := range sortedPairs(extra) {
		headers.Add(kv[0], kv[1])
	}
	return c.writeHeaderMap(headers)
}

// WriteHeaderMap is WriteHeaders for callers that build an ordered map
// themselves.
func (c *Client) WriteHeaderMap(headers *hmap.Headers) error {
	ordered := hmap.New()
	ordered.Set("Host", hostHeader(c.url))
	headers.Range(func(name, value string) bool {
		if !strings.EqualFold(name, "Host") {
			ordered.Add(name, value)
		}
		return true
	})
	return c.writeHeaderMap(ordered)
}

func (c *Client) writeHeaderMap(headers *hmap.Headers) error {
	if c.st != stateStarted {
		return errors.NewBadState("writeHeaders", "headers already written or request not started")
	}

	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := httpx.ParseContentLength(cl)
		if err != nil {
			return err
		}
		c.txRemain = n
	} else if c.method == "GET" || c.method == "HEAD" {
		headers.Set("Content-Length", "0")
		c.txRemain = 0
	} else {
		headers.Set("Transfer-Encoding", "chunked")
		c.chunkedTx = true
	}

	var b strings.Builder
	b.WriteString(c.method)
	b.WriteString(" ")
	b.WriteString(c.url.RequestTarget())
	b.WriteString(" ")
	b.WriteString(httpx.Proto11)
	b.WriteString("\r\n")
	b.WriteString(httpx.SerializeHeaders(headers))

	if c.opts.ShowHeaders {
		log.Debugf("tx headers:\n%s", b.String())
	}
	if _, err := c.conn.Write([]byte(b.String()), c.writeDeadlineAt()); err != nil {
		c.dropConn()
		return err
	}
	if c.chunkedTx {
		c.chunker = httpx.NewChunkWriter(c.conn.Writer(c.writeDeadlineAt))
	}
	c.st = stateWroteHeaders
	return nil
}

// Write sends body bytes, framed per the decision made in WriteHeaders.
func (c *Client) Write(p []byte) error {
	if c.st == stateStarted {
		if err := c.WriteHeaders(nil); err != nil {
			return err
		}
	}
	if c.st != stateWroteHeaders {
		return errors.NewBadState("write", "request not writable")
	}
	if c.opts.ShowBody {
		log.Debugf("tx body: %q", p)
	}
	if c.chunkedTx {
		_, err := c.chunker.Write(p)
		if err != nil {
			c.dropConn()
		}
		return err
	}
	if c.txRemain >= 0 && int64(len(p)) > c.txRemain {
		return errors.NewBadArgs("write exceeds declared content-length")
	}
	if _, err := c.conn.Write(p, c.writeDeadlineAt()); err != nil {
		c.dropConn()
		return err
	}
	if c.txRemain >= 0 {
		c.txRemain -= int64(len(p))
	}
	return nil
}

// Finalize completes the request body. Calling it again is a no-op.
func (c *Client) Finalize() error {
	switch c.st {
	case stateFinalized, stateResponse:
		return nil
	case stateStarted:
		if err := c.WriteHeaders(nil); err != nil {
			return err
		}
	case stateIdle:
		return errors.NewBadState("finalize", "no request in progress")
	}
	if c.chunkedTx {
		if err := c.chunker.Close(); err != nil {
			c.dropConn()
			return err
		}
	} else if c.txRemain > 0 {
		return errors.NewBadState("finalize", "declared content-length not satisfied")
	}
	c.st = stateFinalized
	return nil
}

// Status finalizes if needed, reads the response head and returns the
// status code.
func (c *Client) Status() (int, error) {
	if c.st == stateResponse {
		return c.status, nil
	}
	if err := c.Finalize(); err != nil {
		return 0, err
	}
	if err := c.readResponseHead(); err != nil {
		return 0, err
	}
	return c.status, nil
}

// Header returns a response header value. The response head is read on
// demand.
func (c *Client) Header(name string) (string, error) {
	if _, err := c.Status(); err != nil {
		return "", err
	}
	return c.respHeaders.Get(name), nil
}

// Headers returns the full response header map.
func (c *Client) Headers() (*hmap.Headers, error) {
	if _, err := c.Status(); err != nil {
		return nil, err
	}
	return c.respHeaders, nil
}

// Read streams response body bytes. io.EOF marks the end of the body.
func (c *Client) Read(p []byte) (int, error) {
	if _, err := c.Status(); err != nil {
		return 0, err
	}
	if c.bodyless || c.body == nil {
		c.drained = true
		return 0, io.EOF
	}
	n, err := c.body.Read(p)
	if err == io.EOF {
		c.drained = true
	} else if err != nil && errors.KindOf(err) == "" {
		err = errors.NewReadError("reading response body", err)
	}
	if n > 0 && c.opts.ShowBody {
		log.Debugf("rx body: %q", p[:n])
	}
	return n, err
}

// Response buffers the whole body, bounded by BufLimit.
func (c *Client) Response() ([]byte, error) {
	if _, err := c.Status(); err != nil {
		return nil, err
	}
	spool := buffer.NewSpool(c.opts.BufLimit)
	defer spool.Close()

	total := int64(0)
	chunk := make([]byte, 16*1024)
	for {
		n, err := c.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > c.opts.BufLimit {
				return nil, errors.NewLimitError("bufLimit", "response exceeds buffer limit")
			}
			spool.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return spool.Bytes()
}

// Drain discards the remainder of the response body so the connection can
// be reused.
func (c *Client) Drain() error {
	if c.st != stateResponse {
		return nil
	}
	chunk := make([]byte, 16*1024)
	for {
		_, err := c.Read(chunk)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close releases the request state. The socket is kept for reuse when the
// exchange ended cleanly at a message boundary, and closed otherwise.
func (c *Client) Close() {
	if c.st == stateResponse && !c.drained {
		// Undrained body: the socket position is unknown.
		c.dropConn()
	} else if c.st == stateResponse && !c.keepAlive {
		c.dropConn()
	} else if c.st != stateIdle && c.st != stateResponse {
		// Mid-request teardown.
		c.dropConn()
	}
	c.st = stateIdle
}

// Disconnect force-closes the socket; pending I/O errors out.
func (c *Client) Disconnect() {
	c.dropConn()
	c.st = stateIdle
}

// readResponseHead parses the status line and headers and prepares the
// body reader.
func (c *Client) readResponseHead() error {
	statusLine, err := c.readLine()
	if err != nil {
		c.dropConn()
		return errors.NewReadError("reading status line", err)
	}
	sl, err := httpx.ParseStatusLine(statusLine)
	if err != nil {
		c.dropConn()
		return err
	}
	c.status = sl.Status
	c.respProto = sl.Proto

	headers := hmap.New()
	total := 0
	for {
		line, err := c.readLine()
		if err != nil {
			c.dropConn()
			return errors.NewReadError("reading response headers", err)
		}
		if line == "" {
			break
		}
		total += len(line)
		if total > maxHeaderBytes {
			c.dropConn()
			return errors.NewLimitError("maxHeader", "response headers exceed limit")
		}
		name, value, err := httpx.ParseHeaderLine(line)
		if err != nil {
			c.dropConn()
			return err
		}
		headers.Add(name, value)
	}
	c.respHeaders = headers
	c.keepAlive = httpx.KeepAlive(sl.Proto, headers)

	if c.opts.ShowHeaders {
		log.Debugf("rx status %d headers:\n%s", c.status, httpx.SerializeHeaders(headers))
	}

	switch {
	case c.method == "HEAD" || httpx.BodilessStatus(c.status):
		c.bodyless = true
		c.drained = true
	case strings.Contains(strings.ToLower(headers.Get("Transfer-Encoding")), "chunked"):
		c.body = httpx.NewDechunker(c.br)
	case headers.Has("Content-Length"):
		n, err := httpx.ParseContentLength(headers.Get("Content-Length"))
		if err != nil {
			c.dropConn()
			return err
		}
		if n == 0 {
			c.bodyless = true
			c.drained = true
		} else {
			c.body = io.LimitReader(c.br, n)
		}
	default:
		// Read-until-close body; the socket cannot be reused.
		c.keepAlive = false
		c.body = c.br
	}
	c.st = stateResponse
	return nil
}

func (c *Client) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Disconnect()
		c.conn = nil
		c.br = nil
	}
}

func (c *Client) readDeadline() time.Time {
	return fiber.Clock.Now().Add(c.opts.ReadTimeout)
}

func (c *Client) writeDeadlineAt() time.Time {
	return fiber.Clock.Now().Add(c.opts.WriteTimeout)
}

// hostHeader renders the Host header, eliding default ports.
func hostHeader(u *urlx.URL) string {
	if (u.Scheme == "http" && u.Port == 80) || (u.Scheme == "https" && u.Port == 443) {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// sortedPairs renders a map as deterministic ordered pairs.
func sortedPairs(m map[string]string) [][2]string {
	if len(m) == 0 {
		return nil
	}
	pairs := make([][2]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, [2]string{k, v})
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j-1][0] > pairs[j][0]; j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
	return pairs
}
