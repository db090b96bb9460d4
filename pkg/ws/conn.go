package ws

import (
	"encoding/binary"
	"io"

	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/fiber"
)

// Limits bounds frame and reassembled message sizes.
type Limits struct {
	MaxFrame   int64
	MaxMessage int64
}

// DefaultLimits are used when a limit is left zero.
var DefaultLimits = Limits{MaxFrame: 64 * 1024, MaxMessage: 256 * 1024}

// Conn is an upgraded WebSocket connection. After the 101 handshake no
// further HTTP framing applies; both peers exchange frames until a close
// handshake or error.
type Conn struct {
	r       io.Reader
	w       io.Writer
	client  bool // Client role masks outgoing frames
	limits  Limits
	closed  bool
	sentClose bool
}

// NewConn builds a frame connection over an upgraded stream. r must be the
// reader the handshake left off on (buffered bytes included); client
// selects the masking role.
func NewConn(r io.Reader, w io.Writer, client bool, limits Limits) *Conn {
	if limits.MaxFrame <= 0 {
		limits.MaxFrame = DefaultLimits.MaxFrame
	}
	if limits.MaxMessage <= 0 {
		limits.MaxMessage = DefaultLimits.MaxMessage
	}
	return &Conn{r: r, w: w, client: client, limits: limits}
}

// ReadMessage blocks until a complete data message arrives, transparently
// answering pings and discarding pongs. On a close frame it completes the
// close handshake and returns a cant-read error wrapping io.EOF.
func (c *Conn) ReadMessage() (opcode int, data []byte, err error) {
	if c.closed {
		return 0, nil, errors.NewBadState("read", "websocket closed")
	}

	var message []byte
	messageOp := 0
	for {
		f, err := readFrame(c.r, c.limits.MaxFrame, !c.client)
		if err != nil {
			return 0, nil, err
		}

		switch f.opcode {
		case OpPing:
			if err := c.writeControl(OpPong, f.payload); err != nil {
				return 0, nil, err
			}
			continue
		case OpPong:
			continue
		case OpClose:
			code := closeCodeNone
			if len(f.payload) >= 2 {
				code = int(binary.BigEndian.Uint16(f.payload[:2]))
			}
			c.answerClose(code)
			c.closed = true
			return 0, nil, errors.NewReadError("peer closed websocket", io.EOF)
		case OpText, OpBinary:
			if messageOp != 0 {
				return 0, nil, errors.NewProtocolError("data frame inside fragmented message", nil)
			}
			messageOp = f.opcode
			message = append(message, f.payload...)
		case OpContinuation:
			if messageOp == 0 {
				return 0, nil, errors.NewProtocolError("continuation without initial frame", nil)
			}
			message = append(message, f.payload...)
		default:
			return 0, nil, errors.NewProtocolError("unknown opcode", nil)
		}

		if int64(len(message)) > c.limits.MaxMessage {
			c.CloseWithCode(CloseTooLarge, "message too large")
			return 0, nil, errors.NewLimitError("webSocketsMaxMessage", "message exceeds limit")
		}
		if f.fin && messageOp != 0 {
			return messageOp, message, nil
		}
	}
}

// WriteMessage sends one unfragmented data message.
func (c *Conn) WriteMessage(opcode int, data []byte) error {
	if c.closed {
		return errors.NewBadState("write", "websocket closed")
	}
	if opcode != OpText && opcode != OpBinary {
		return errors.NewBadArgs("opcode must be text or binary")
	}
	return writeFrame(c.w, true, opcode, data, c.client)
}

// Ping sends a ping control frame.
func (c *Conn) Ping(payload []byte) error {
	return c.writeControl(OpPing, payload)
}

// CloseWithCode starts (or completes) the close handshake.
func (c *Conn) CloseWithCode(code int, reason string) error {
	if c.sentClose {
		return nil
	}
	c.sentClose = true
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, reason...)
	return writeFrame(c.w, true, OpClose, payload, c.client)
}

// Close performs a normal close.
func (c *Conn) Close() error {
	err := c.CloseWithCode(CloseNormal, "")
	c.closed = true
	return err
}

// Run is the canonical synchronous receive loop: it blocks, delivering each
// data message to handler until the connection closes or errors. The
// returned error is nil for an orderly peer close.
func (c *Conn) Run(handler func(opcode int, data []byte)) error {
	for {
		opcode, data, err := c.ReadMessage()
		if err != nil {
			if c.closed {
				return nil
			}
			return err
		}
		handler(opcode, data)
	}
}

// Start is the convenience wrapper over Run: it spawns a fiber for the
// receive loop and returns immediately.
func (c *Conn) Start(handler func(opcode int, data []byte)) {
	fiber.Spawn("ws-run", func() {
		c.Run(handler)
	})
}

func (c *Conn) writeControl(opcode int, payload []byte) error {
	if len(payload) > 125 {
		payload = payload[:125]
	}
	return writeFrame(c.w, true, opcode, payload, c.client)
}

func (c *Conn) answerClose(code int) {
	if c.sentClose {
		return
	}
	c.sentClose = true
	if code == closeCodeNone {
		writeFrame(c.w, true, OpClose, nil, c.client)
		return
	}
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], uint16(code))
	writeFrame(c.w, true, OpClose, payload[:], c.client)
}
