// Package server implements the HTTP/1 server engine: listener accept
// loops, the per-connection request loop with its three deadlines, routing
// and handler dispatch, sessions and cookies, Basic/Digest authentication,
// the conditional/range file handler, the multipart upload parser and the
// WebSocket upgrade path.
package server

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emweb-io/emweb/pkg/config"
	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/fiber"
	"github.com/emweb-io/emweb/pkg/tlsconfig"
	"github.com/emweb-io/emweb/pkg/urlx"
)

var log = logrus.WithField("pkg", "server")

// Version appears in the Server response header.
const Version = "1.0.0"

// Action is a handler function registered against a URL prefix.
type Action func(r *Request)

// Handler is a named dispatch target a route may select.
type Handler func(h *Host, r *Request)

// User is a configured account with its computed ability closure.
type User struct {
	Username  string
	Password  string // H(username:realm:password)
	Role      string
	abilities map[string]bool
}

// Can reports whether the user's role closure contains the ability.
func (u *User) Can(ability string) bool {
	return u != nil && u.abilities[ability]
}

// Host is one configured web host: listeners, routes, users and the
// mutable session, nonce and connection-count state. Sessions, nonces and
// the counters are the only parts handler fibers mutate; they are guarded
// so the accept fibers can share them.
type Host struct {
	Config *config.Web
	TLS    tlsconfig.Options

	routes   []*Route
	users    map[string]*User
	actions  []actionBinding
	handlers map[string]Handler

	Bus *fiber.Bus

	mu          sync.Mutex
	sessions    map[string]*Session
	nonces      map[string]*nonceEntry
	connections int

	listeners []net.Listener
	stopping  bool

	// Trace flags from the "show" config key.
	showReqHeaders  bool
	showReqBody     bool
	showRespHeaders bool
	showRespBody    bool
}

type actionBinding struct {
	prefix string
	action Action
}

// NewHost builds a host from configuration.
func NewHost(cfg *config.Config) (*Host, error) {
	h := &Host{
		Config:   &cfg.Web,
		Bus:      fiber.NewBus(),
		sessions: make(map[string]*Session),
		nonces:   make(map[string]*nonceEntry),
		handlers: make(map[string]Handler),
	}

	closure := cfg.RoleClosure()
	h.users = make(map[string]*User, len(cfg.Web.Users))
	for _, u := range cfg.Web.Users {
		h.users[u.Username] = &User{
			Username:  u.Username,
			Password:  u.Password,
			Role:      u.Role,
			abilities: closure[u.Role],
		}
	}

	routes, err := buildRoutes(cfg.Web.Routes)
	if err != nil {
		return nil, err
	}
	h.routes = routes

	for _, flag := range cfg.Web.Show {
		switch flag {
		case 'H':
			h.showReqHeaders = true
		case 'B':
			h.showReqBody = true
		case 'h':
			h.showRespHeaders = true
		case 'b':
			h.showRespBody = true
		}
	}

	h.handlers["file"] = fileHandler
	h.handlers["action"] = actionHandler
	h.handlers["upload"] = uploadHandler
	h.handlers["websocket"] = websocketHandler
	return h, nil
}

// AddAction registers an action for a URL prefix. Longest prefix wins at
// dispatch.
func (h *Host) AddAction(prefix string, action Action) {
	h.actions = append(h.actions, actionBinding{prefix: prefix, action: action})
}

// RegisterHandler adds or replaces a named route handler.
func (h *Host) RegisterHandler(name string, handler Handler) {
	h.handlers[name] = handler
}

// findAction returns the longest-prefix action for a path.
func (h *Host) findAction(path string) Action {
	var best Action
	bestLen := -1
	for _, b := range h.actions {
		if len(b.prefix) > bestLen && hasPrefix(path, b.prefix) {
			best = b.action
			bestLen = len(b.prefix)
		}
	}
	return best
}

// Listen opens every configured endpoint and runs their accept loops on
// fresh fibers. It returns once all listeners are bound.
func (h *Host) Listen() error {
	for _, endpoint := range h.Config.Listen {
		u, err := urlx.ParseAny(endpoint)
		if err != nil {
			return err
		}
		ln, err := h.listen(u)
		if err != nil {
			h.Stop()
			return err
		}
		h.listeners = append(h.listeners, ln)
		fiber.Spawn("accept:"+endpoint, func() { h.acceptLoop(ln, u.Secure()) })
	}
	h.startSweepers()
	return nil
}

func (h *Host) listen(u *urlx.URL) (net.Listener, error) {
	addr := ":" + strconv.Itoa(u.Port)
	if u.Host != "localhost" && u.Host != "" {
		addr = u.Address()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewConnectError(addr, err)
	}
	if u.Secure() {
		tlsCfg, err := h.TLS.Server()
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	log.Infof("listening on %s", u.String())
	return ln, nil
}

// Stop closes all listeners; in-flight requests finish on their own
// fibers.
func (h *Host) Stop() {
	h.stopping = true
	for _, ln := range h.listeners {
		ln.Close()
	}
	h.listeners = nil
}

// startSweepers runs the periodic session and nonce sweeps. Sweepers
// absorb their own errors; they never kill the server.
func (h *Host) startSweepers() {
	interval := 60 * time.Second
	var sweep func()
	sweep = func() {
		if h.stopping {
			return
		}
		h.sweepSessions()
		h.sweepNonces()
		fiber.StartEvent(sweep, interval)
	}
	fiber.StartEvent(sweep, interval)
}

// connStart counts a new connection unless maxConnections is reached.
func (h *Host) connStart() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections >= h.Config.Limits.MaxConnections {
		return false
	}
	h.connections++
	return true
}

func (h *Host) connEnd() {
	h.mu.Lock()
	h.connections--
	h.mu.Unlock()
}

// Connections returns the live connection count.
func (h *Host) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connections
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
