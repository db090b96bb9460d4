package server

import (
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/httpx"
	"github.com/emweb-io/emweb/pkg/ws"
)

// websocketHandler upgrades the connection and hands the frame loop to the
// registered action through r.WS.
func websocketHandler(h *Host, r *Request) {
	conn, err := h.UpgradeWebSocket(r)
	if err != nil {
		return // UpgradeWebSocket answered
	}
	r.WS = conn
	if action := h.findAction(r.Path); action != nil {
		action(r)
		return
	}
	conn.Close()
}

// UpgradeWebSocket performs the server side of the RFC 6455 handshake.
// After the 101 response the connection leaves HTTP framing; the returned
// frame connection owns the socket and the request is marked upgraded.
func (h *Host) UpgradeWebSocket(r *Request) (*ws.Conn, error) {
	if !r.Get {
		r.Error(405, "")
		return nil, errors.NewBadState("upgrade", "websocket upgrade requires GET")
	}
	if !strings.EqualFold(r.Headers.Get("Upgrade"), "websocket") ||
		!strings.Contains(strings.ToLower(r.Headers.Get("Connection")), "upgrade") {
		r.Error(400, "not a websocket upgrade")
		return nil, errors.NewProtocolError("missing upgrade headers", nil)
	}
	if r.Headers.Get("Sec-WebSocket-Version") != "13" {
		r.SetHeader("Sec-WebSocket-Version", "13")
		r.Error(426, "unsupported websocket version")
		return nil, errors.NewProtocolError("unsupported websocket version", nil)
	}
	key := r.Headers.Get("Sec-WebSocket-Key")
	if key == "" {
		r.Error(400, "missing Sec-WebSocket-Key")
		return nil, errors.NewProtocolError("missing Sec-WebSocket-Key", nil)
	}

	response := httpx.Proto11 + " 101 " + httpx.StatusText(101) + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + ws.AcceptKey(key) + "\r\n\r\n"
	if _, err := r.conn.Write([]byte(response), r.readDeadline()); err != nil {
		r.closeAfter = true
		return nil, err
	}

	r.upgraded = true
	r.wroteHeaders = true
	r.finalized = true
	r.Status = 101

	limits := ws.Limits{
		MaxFrame:   h.Config.Limits.WebSocketsMaxFrame,
		MaxMessage: h.Config.Limits.WebSocketsMaxMessage,
	}
	return ws.NewConn(r.br, r.conn.Writer(r.readDeadline), false, limits), nil
}
