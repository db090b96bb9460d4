package client

import (
	"bufio"
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/hmap"
	"github.com/emweb-io/emweb/pkg/httpx"
	"github.com/emweb-io/emweb/pkg/urlx"
	"github.com/emweb-io/emweb/pkg/ws"
)

// WebSocket dials a ws/wss URL and performs the RFC 6455 client upgrade.
// On success the socket leaves HTTP framing for good and the returned
// connection owns it; the client is left idle. http/https URLs are
// rejected here — use Start for plain requests.
func (c *Client) WebSocket(rawURL string, headers map[string]string, limits ws.Limits) (*ws.Conn, error) {
	u, err := urlx.ParseWS(rawURL)
	if err != nil {
		return nil, err
	}
	if c.st != stateIdle {
		return nil, errors.NewBadState("websocket", "request in progress")
	}
	// An upgrade never reuses a pooled request socket.
	c.dropConn()

	conn, err := dial(u, &c.opts)
	if err != nil {
		return nil, err
	}

	key := ws.NewKey()
	request := hmap.New()
	request.Set("Host", hostHeader(u))
	for _, kv := range sortedPairs(headers) {
		request.Add(kv[0], kv[1])
	}
	request.Set("Upgrade", "websocket")
	request.Set("Connection", "Upgrade")
	request.Set("Sec-WebSocket-Key", key)
	request.Set("Sec-WebSocket-Version", "13")

	var b strings.Builder
	b.WriteString("GET " + u.RequestTarget() + " " + httpx.Proto11 + "\r\n")
	b.WriteString(httpx.SerializeHeaders(request))
	if _, err := conn.Write([]byte(b.String()), c.writeDeadlineAt()); err != nil {
		conn.Disconnect()
		return nil, err
	}

	br := bufio.NewReader(conn.Reader(c.readDeadline))
	statusLine, err := readCRLFLine(br)
	if err != nil {
		conn.Disconnect()
		return nil, errors.NewReadError("reading upgrade response", err)
	}
	sl, err := httpx.ParseStatusLine(statusLine)
	if err != nil {
		conn.Disconnect()
		return nil, err
	}

	response := hmap.New()
	for {
		line, err := readCRLFLine(br)
		if err != nil {
			conn.Disconnect()
			return nil, errors.NewReadError("reading upgrade headers", err)
		}
		if line == "" {
			break
		}
		name, value, err := httpx.ParseHeaderLine(line)
		if err != nil {
			conn.Disconnect()
			return nil, err
		}
		response.Add(name, value)
	}

	// Any handshake mismatch is fatal.
	switch {
	case sl.Status != 101:
		conn.Disconnect()
		return nil, errors.NewCompleteError("websocket", "upgrade refused with status "+statusLine, nil)
	case !strings.EqualFold(response.Get("Upgrade"), "websocket"):
		conn.Disconnect()
		return nil, errors.NewProtocolError("missing Upgrade: websocket", nil)
	case !strings.Contains(strings.ToLower(response.Get("Connection")), "upgrade"):
		conn.Disconnect()
		return nil, errors.NewProtocolError("missing Connection: Upgrade", nil)
	case response.Get("Sec-WebSocket-Accept") != ws.AcceptKey(key):
		conn.Disconnect()
		return nil, errors.NewProtocolError("Sec-WebSocket-Accept mismatch", nil)
	}

	return ws.NewConn(br, conn.Writer(c.writeDeadlineAt), true, limits), nil
}

func readCRLFLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
