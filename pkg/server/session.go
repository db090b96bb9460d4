package server

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/emweb-io/emweb/pkg/fiber"
	"github.com/emweb-io/emweb/pkg/httpx"
)

// Session is per-client server-side state keyed by a random id carried in
// a cookie.
type Session struct {
	ID       string
	Lifespan time.Duration
	Expires  time.Time
	cache    map[string]string
	xsrf     string
}

// Get reads a session variable.
func (s *Session) Get(key string) string {
	return s.cache[key]
}

// Set stores a session variable.
func (s *Session) Set(key, value string) {
	s.cache[key] = value
}

// token returns 128 bits of CSPRNG output, base64-url encoded.
func token() string {
	raw := make([]byte, 16)
	rand.Read(raw)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// GetSession returns the request's session, optionally creating one. An
// expired session is deleted and treated as absent. Creation issues the
// session cookie on the response.
func (h *Host) GetSession(r *Request, create bool) *Session {
	if r.session != nil {
		return r.session
	}

	if id, ok := r.Cookies[h.Config.SessionCookie]; ok {
		h.mu.Lock()
		s := h.sessions[id]
		if s != nil && fiber.Clock.Now().After(s.Expires) {
			delete(h.sessions, id)
			s = nil
		}
		if s != nil {
			s.Expires = fiber.Clock.Now().Add(s.Lifespan)
		}
		h.mu.Unlock()
		if s != nil {
			r.session = s
			return s
		}
	}
	if !create {
		return nil
	}

	lifespan := time.Duration(h.Config.Timeouts.Session) * time.Second
	s := &Session{
		ID:       token(),
		Lifespan: lifespan,
		Expires:  fiber.Clock.Now().Add(lifespan),
		cache:    make(map[string]string),
	}

	h.mu.Lock()
	if len(h.sessions) >= h.Config.Limits.MaxSessions {
		h.evictSoonestLocked()
	}
	h.sessions[s.ID] = s
	h.mu.Unlock()

	r.session = s
	h.setSessionCookie(r, s.ID, int(lifespan/time.Second), CookieOptions{})
	return s
}

// evictSoonestLocked drops the session closest to expiry to make room.
func (h *Host) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for id, s := range h.sessions {
		if victim == "" || s.Expires.Before(soonest) {
			victim = id
			soonest = s.Expires
		}
	}
	if victim != "" {
		delete(h.sessions, victim)
	}
}

// sweepSessions removes sessions whose expiry has passed.
func (h *Host) sweepSessions() {
	now := fiber.Clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		if now.After(s.Expires) {
			delete(h.sessions, id)
		}
	}
}

// SessionCount returns the live session count.
func (h *Host) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CookieOptions override the host cookie defaults per call. Nil pointer
// fields keep the defaults.
type CookieOptions struct {
	HTTPOnly *bool
	Secure   *bool
	SameSite string
	Path     string
}

// setSessionCookie issues the Set-Cookie response header.
func (h *Host) setSessionCookie(r *Request, id string, maxAge int, opts CookieOptions) {
	httpOnly := h.Config.HTTPOnly
	if opts.HTTPOnly != nil {
		httpOnly = *opts.HTTPOnly
	}
	secure := r.Secure
	if opts.Secure != nil {
		secure = *opts.Secure
	}
	sameSite := h.Config.SameSite
	if opts.SameSite != "" {
		sameSite = opts.SameSite
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString(h.Config.SessionCookie + "=" + id)
	b.WriteString("; Path=" + path)
	b.WriteString("; Max-Age=" + strconv.Itoa(maxAge))
	if httpOnly {
		b.WriteString("; HttpOnly")
	}
	if secure {
		b.WriteString("; Secure")
	}
	if sameSite != "" {
		b.WriteString("; SameSite=" + sameSite)
	}
	r.AddHeader("Set-Cookie", b.String())
}

// Login verifies credentials against the user table and binds a fresh
// session to the authenticated user.
func (h *Host) Login(r *Request, username, password string) bool {
	user := h.users[username]
	if user == nil {
		return false
	}
	if !h.verifyPassword(user, password) {
		return false
	}
	s := h.GetSession(r, true)
	s.Set("username", username)
	r.user = user
	return true
}

// Logout deletes the session and expires the cookie.
func (h *Host) Logout(r *Request) {
	s := h.GetSession(r, false)
	if s == nil {
		return
	}
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	r.session = nil
	h.setSessionCookie(r, "", 0, CookieOptions{})
}

// AddSecurityToken creates (or returns) the session's XSRF token and
// exposes it to the client through the response header.
func (h *Host) AddSecurityToken(r *Request) string {
	s := h.GetSession(r, true)
	if s.xsrf == "" {
		s.xsrf = token()
	}
	r.SetHeader("X-XSRF-TOKEN", s.xsrf)
	return s.xsrf
}

// checkSecurityToken verifies the client-echoed XSRF token on a
// state-changing request: either the X-XSRF-TOKEN header or a form field
// named "-xsrf-" must equal the session-held token.
func (h *Host) checkSecurityToken(r *Request) bool {
	s := h.GetSession(r, false)
	if s == nil || s.xsrf == "" {
		return false
	}
	presented := r.Headers.Get("X-XSRF-TOKEN")
	if presented == "" && r.FormBody {
		if err := r.parseForm(); err == nil {
			presented = r.Form["-xsrf-"]
		}
	}
	return presented != "" && presented == s.xsrf
}

// parseForm decodes an application/x-www-form-urlencoded body into Form.
func (r *Request) parseForm() error {
	if r.Form != nil {
		return nil
	}
	body, err := r.Body()
	if err != nil {
		return err
	}
	r.Form = parseQuery(string(body))
	return nil
}

// parseQuery decodes a query or form-urlencoded string.
func parseQuery(s string) map[string]string {
	values := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		values[httpx.Decode(name)] = httpx.Decode(value)
	}
	return values
}
