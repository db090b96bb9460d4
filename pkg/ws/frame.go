package ws

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/emweb-io/emweb/pkg/errors"
)

// frame is one wire frame.
type frame struct {
	fin     bool
	opcode  int
	payload []byte
}

// readFrame decodes one frame. maxFrame bounds the payload length;
// expectMasked enforces the client-to-server masking rule (and its
// inverse).
func readFrame(r io.Reader, maxFrame int64, expectMasked bool) (frame, error) {
	var f frame
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return f, errors.NewReadError("reading frame header", err)
	}
	f.fin = head[0]&0x80 != 0
	if head[0]&0x70 != 0 {
		return f, errors.NewProtocolError("reserved frame bits set", nil)
	}
	f.opcode = int(head[0] & 0x0f)
	masked := head[1]&0x80 != 0
	if masked != expectMasked {
		return f, errors.NewProtocolError("frame masking violates role", nil)
	}

	length := int64(head[1] & 0x7f)
	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(r, ext); err != nil {
			return f, errors.NewReadError("reading extended length", err)
		}
		length = int64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r, ext); err != nil {
			return f, errors.NewReadError("reading extended length", err)
		}
		n := binary.BigEndian.Uint64(ext)
		if n > uint64(maxFrame) {
			return f, errors.NewLimitError("webSocketsMaxFrame", "frame exceeds limit")
		}
		length = int64(n)
	}
	if maxFrame > 0 && length > maxFrame {
		return f, errors.NewLimitError("webSocketsMaxFrame", "frame exceeds limit")
	}
	if f.opcode >= OpClose && (length > 125 || !f.fin) {
		return f, errors.NewProtocolError("malformed control frame", nil)
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return f, errors.NewReadError("reading mask key", err)
		}
	}

	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return f, errors.NewReadError("reading frame payload", err)
	}
	if masked {
		for i := range f.payload {
			f.payload[i] ^= mask[i%4]
		}
	}
	return f, nil
}

// writeFrame encodes one frame. Client-role writers mask the payload with
// a fresh key.
func writeFrame(w io.Writer, fin bool, opcode int, payload []byte, mask bool) error {
	head := make([]byte, 0, 14)
	b0 := byte(opcode)
	if fin {
		b0 |= 0x80
	}
	head = append(head, b0)

	length := len(payload)
	maskBit := byte(0)
	if mask {
		maskBit = 0x80
	}
	switch {
	case length < 126:
		head = append(head, maskBit|byte(length))
	case length <= 0xffff:
		head = append(head, maskBit|126, byte(length>>8), byte(length))
	default:
		head = append(head, maskBit|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		head = append(head, ext[:]...)
	}

	if mask {
		var key [4]byte
		rand.Read(key[:])
		head = append(head, key[:]...)
		masked := make([]byte, length)
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		payload = masked
	}

	if _, err := w.Write(head); err != nil {
		return errors.NewWriteError("writing frame header", err)
	}
	if length > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.NewWriteError("writing frame payload", err)
		}
	}
	return nil
}
