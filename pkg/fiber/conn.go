package fiber

import (
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/emweb-io/emweb/pkg/errors"
)

// Conn is a byte stream with absolute-deadline I/O. Every suspension point
// carries a deadline; a lapse surfaces as a timeout error to the calling
// fiber, never a panic. Disconnect from any fiber forces pending reads and
// writes to error.
type Conn struct {
	raw    net.Conn
	secure bool
}

// Connect dials addr, optionally upgrading to TLS, honoring the absolute
// deadline for the whole dial-plus-handshake sequence.
func Connect(addr string, tlsConfig *tls.Config, deadline time.Time) (*Conn, error) {
	dialer := net.Dialer{Deadline: deadline}
	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, errors.NewConnectError(addr, err)
	}
	if tlsConfig != nil {
		tlsConn := tls.Client(raw, tlsConfig)
		if !deadline.IsZero() {
			tlsConn.SetDeadline(deadline)
		}
		if err := tlsConn.Handshake(); err != nil {
			raw.Close()
			return nil, errors.NewConnectError(addr, err)
		}
		tlsConn.SetDeadline(time.Time{})
		return &Conn{raw: tlsConn, secure: true}, nil
	}
	return &Conn{raw: raw}, nil
}

// Wrap adopts an established net.Conn (server accept path, upstream proxy
// dial path).
func Wrap(raw net.Conn, secure bool) *Conn {
	return &Conn{raw: raw, secure: secure}
}

// Secure reports whether the stream is TLS.
func (c *Conn) Secure() bool {
	return c.secure
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if c.raw == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

// Raw exposes the underlying net.Conn for protocol upgrades (WebSocket)
// and sendfile-style copies.
func (c *Conn) Raw() net.Conn {
	return c.raw
}

// Read fills p with at least one byte, suspending until data, peer close
// or the deadline. The zero deadline blocks indefinitely.
func (c *Conn) Read(p []byte, deadline time.Time) (int, error) {
	if err := c.raw.SetReadDeadline(deadline); err != nil {
		return 0, errors.NewReadError("setting read deadline", err)
	}
	n, err := c.raw.Read(p)
	if err != nil {
		return n, c.ioError("read", deadline, err)
	}
	return n, nil
}

// Write writes all of p, suspending as the kernel buffer drains.
func (c *Conn) Write(p []byte, deadline time.Time) (int, error) {
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return 0, errors.NewWriteError("setting write deadline", err)
	}
	written := 0
	for written < len(p) {
		n, err := c.raw.Write(p[written:])
		written += n
		if err != nil {
			return written, c.ioError("write", deadline, err)
		}
	}
	return written, nil
}

// Disconnect closes the stream. Pending reads and writes on other fibers
// observe it as an I/O error.
func (c *Conn) Disconnect() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func (c *Conn) ioError(op string, deadline time.Time, err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.NewTimeoutError(op, deadline)
	}
	if err == io.EOF {
		if op == "read" {
			return errors.NewReadError("peer closed connection", io.EOF)
		}
		return errors.NewWriteError("peer closed connection", io.EOF)
	}
	if op == "read" {
		return errors.NewReadError("socket read failed", err)
	}
	return errors.NewWriteError("socket write failed", err)
}

// deadlineWriter adapts a Conn to io.Writer with a fixed deadline supplier
// so framing code can compose with standard copies.
type deadlineWriter struct {
	conn     *Conn
	deadline func() time.Time
}

// Writer returns an io.Writer over the Conn whose every write uses the
// deadline returned by the supplier at write time.
func (c *Conn) Writer(deadline func() time.Time) io.Writer {
	return &deadlineWriter{conn: c, deadline: deadline}
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	return w.conn.Write(p, w.deadline())
}

// deadlineReader is the read-side counterpart of deadlineWriter.
type deadlineReader struct {
	conn     *Conn
	deadline func() time.Time
}

// Reader returns an io.Reader over the Conn under the supplied deadline.
func (c *Conn) Reader(deadline func() time.Time) io.Reader {
	return &deadlineReader{conn: c, deadline: deadline}
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	return r.conn.Read(p, r.deadline())
}
