package client

import (
	"bufio"
	"io"
	"strconv"

	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/sse"
)

// SSEOptions controls an event-stream subscription.
type SSEOptions struct {
	// Headers are sent on the initial request and on every reconnect.
	Headers map[string]string
	// MaxRetries bounds reconnect attempts after stream end or error.
	// Zero disables reconnecting.
	MaxRetries int
}

// Events consumes a text/event-stream response as a lazy sequence,
// delivering each event to handler on the calling fiber. When the stream
// ends and retries remain, the request is reopened with the original
// headers plus Last-Event-Id so the server can resume; handler returning
// false ends the subscription.
func (c *Client) Events(url string, opts SSEOptions, handler func(ev *sse.Event) bool) error {
	retries := opts.MaxRetries
	lastID := ""

	for {
		err := c.eventStream(url, opts.Headers, &lastID, handler)
		if err == nil {
			// Handler asked to stop.
			return nil
		}
		if retries <= 0 {
			if errors.KindOf(err) == errors.KindCantRead {
				return nil // Orderly EOF with reconnect disabled
			}
			return err
		}
		retries--
	}
}

// eventStream opens the request and pumps events until stream end. A nil
// return means the handler stopped the subscription.
func (c *Client) eventStream(url string, headers map[string]string, lastID *string, handler func(ev *sse.Event) bool) error {
	if err := c.Start("GET", url); err != nil {
		return err
	}
	defer c.Close()

	request := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		request[k] = v
	}
	request["Accept"] = "text/event-stream"
	if *lastID != "" {
		request["Last-Event-Id"] = *lastID
	}
	if err := c.WriteHeaders(request); err != nil {
		return err
	}
	if err := c.Finalize(); err != nil {
		return err
	}
	status, err := c.Status()
	if err != nil {
		return err
	}
	if status != 200 {
		return errors.New(errors.KindCantComplete, "sse", "unexpected status "+strconv.Itoa(status))
	}

	decoder := sse.NewDecoder(bufio.NewReader(readerFunc(c.Read)))
	for {
		ev, err := decoder.Next()
		if err != nil {
			return err
		}
		if ev.ID != "" {
			*lastID = ev.ID
		}
		if !handler(ev) {
			return nil
		}
	}
}

// readerFunc adapts the client Read method to io.Reader.
type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	n, err := f(p)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, err
}
