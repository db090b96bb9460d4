package server

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emweb-io/emweb/pkg/digest"
	"github.com/emweb-io/emweb/pkg/fiber"
)

// nonceEntry tracks one issued Digest nonce with strict nc monotonicity.
type nonceEntry struct {
	created time.Time
	lastNC  uint64
}

// authenticate enforces the route's role requirement. It answers 401 with
// a challenge (or 403 on insufficient role) and returns false when the
// request may not proceed.
func (h *Host) authenticate(r *Request, role string) bool {
	user := h.requestUser(r)
	if user == nil {
		// requestUser may already have answered a stale re-challenge.
		if !r.wroteHeaders {
			h.challenge(r, false)
		}
		return false
	}
	if !user.Can(role) {
		r.Error(403, "")
		return false
	}
	r.user = user
	return true
}

// requestUser resolves the authenticated user from the session or the
// Authorization header. A stale or replayed Digest nonce re-challenges
// inside and reports no user.
func (h *Host) requestUser(r *Request) *User {
	if r.user != nil {
		return r.user
	}
	if s := h.GetSession(r, false); s != nil {
		if username := s.Get("username"); username != "" {
			return h.users[username]
		}
	}

	authorization := r.Headers.Get("Authorization")
	if authorization == "" {
		return nil
	}
	scheme, rest, _ := strings.Cut(authorization, " ")
	switch strings.ToLower(scheme) {
	case "basic":
		return h.basicUser(r, rest)
	case "digest":
		return h.digestUser(r, authorization)
	}
	return nil
}

func (h *Host) basicUser(r *Request, encoded string) *User {
	if h.Config.Auth.RequireTLSForBasic && !r.Secure {
		log.Debugf("basic auth refused on cleartext connection")
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil
	}
	username, password, found := strings.Cut(string(raw), ":")
	if !found {
		return nil
	}
	user := h.users[username]
	if user == nil || !h.verifyPassword(user, password) {
		return nil
	}
	return user
}

func (h *Host) digestUser(r *Request, authorization string) *User {
	creds, err := digest.ParseCredentials(authorization)
	if err != nil {
		return nil
	}
	user := h.users[creds.Username]
	if user == nil || creds.Realm != h.Config.Auth.Realm {
		return nil
	}

	// Nonce must be live and the nc strictly increasing; otherwise the
	// client is re-challenged with stale=true so it retries without
	// prompting.
	nc, err := strconv.ParseUint(creds.NC, 16, 64)
	if creds.Qop != "" && err != nil {
		return nil
	}
	timeout := time.Duration(h.Config.Auth.DigestTimeout) * time.Second
	now := fiber.Clock.Now()

	h.mu.Lock()
	entry := h.nonces[creds.Nonce]
	switch {
	case entry == nil, now.Sub(entry.created) > timeout:
		delete(h.nonces, creds.Nonce)
		h.mu.Unlock()
		h.challenge(r, true)
		return nil
	case creds.Qop != "" && nc <= entry.lastNC:
		h.mu.Unlock()
		h.challenge(r, true)
		return nil
	}
	if creds.Qop != "" {
		entry.lastNC = nc
	}
	h.mu.Unlock()

	// The stored password is H(username:realm:password) under the host
	// algorithm, which doubles as HA1.
	ha2 := digest.HA2(creds.Algorithm, r.Method, creds.URI)
	expected := digest.Response(creds.Algorithm, user.Password, creds.Nonce, creds.NC, creds.Cnonce, creds.Qop, ha2)
	if expected != creds.Response {
		return nil
	}
	return user
}

// challenge emits the 401 with a WWW-Authenticate header matching the
// configured auth type. The 401 body and response are finalized here; the
// caller just stops.
func (h *Host) challenge(r *Request, stale bool) {
	if r.wroteHeaders {
		r.closeAfter = true
		return
	}
	auth := &h.Config.Auth
	if strings.EqualFold(auth.Type, "basic") {
		r.SetHeader("WWW-Authenticate", "Basic realm="+digest.Quote(auth.Realm))
	} else {
		nonce := token()
		h.mu.Lock()
		h.nonces[nonce] = &nonceEntry{created: fiber.Clock.Now()}
		h.mu.Unlock()

		var b strings.Builder
		b.WriteString("Digest realm=" + digest.Quote(auth.Realm))
		b.WriteString(", qop=" + digest.Quote("auth"))
		b.WriteString(", nonce=" + digest.Quote(nonce))
		b.WriteString(", opaque=" + digest.Quote(uuid.NewString()))
		b.WriteString(", algorithm=" + auth.Algorithm)
		if stale {
			b.WriteString(", stale=true")
		}
		r.SetHeader("WWW-Authenticate", b.String())
	}
	r.Error(401, "")
}

// verifyPassword compares a cleartext password against the stored
// H(username:realm:password) pre-hash.
func (h *Host) verifyPassword(user *User, password string) bool {
	computed := digest.HA1(h.Config.Auth.Algorithm, user.Username, h.Config.Auth.Realm, password)
	return computed == user.Password
}

// sweepNonces drops nonces past the digest timeout.
func (h *Host) sweepNonces() {
	timeout := time.Duration(h.Config.Auth.DigestTimeout) * time.Second
	now := fiber.Clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for nonce, entry := range h.nonces {
		if now.Sub(entry.created) > timeout {
			delete(h.nonces, nonce)
		}
	}
}
