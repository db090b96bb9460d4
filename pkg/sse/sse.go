// Package sse implements the text/event-stream wire format. Events are
// terminated by a blank line; id, event and data fields accumulate, with
// multiple data lines joined by newlines.
package sse

import (
	"bufio"
	"io"
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
)

// Event is one server-sent event.
type Event struct {
	ID    string
	Event string
	Data  string
}

// Decoder reads events off a stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a reader positioned at the start of the stream.
func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{r: br}
	}
	return &Decoder{r: bufio.NewReader(r)}
}

// Next blocks until the next complete event or stream end. io.EOF wrapped
// in a cant-read error signals orderly end of stream.
func (d *Decoder) Next() (*Event, error) {
	var ev Event
	var data []string
	seen := false

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && !seen {
				return nil, errors.NewReadError("event stream ended", io.EOF)
			}
			return nil, errors.NewReadError("reading event stream", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue // Stray blank line before any field
			}
			ev.Data = strings.Join(data, "\n")
			return &ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // Comment / keep-alive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
			seen = true
		case "event":
			ev.Event = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
}

// Encoder writes events onto a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps a writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Write emits one event, splitting multi-line data into repeated data
// fields.
func (e *Encoder) Write(ev *Event) error {
	var b strings.Builder
	if ev.ID != "" {
		b.WriteString("id: " + ev.ID + "\n")
	}
	if ev.Event != "" {
		b.WriteString("event: " + ev.Event + "\n")
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return errors.NewWriteError("writing event", err)
	}
	return nil
}
