// Package digest implements the HTTP Digest access authentication wire
// format shared by the client and server engines: challenge and credential
// parameter parsing with RFC 7616 §3.4 escaping, and the MD5 / SHA-256
// response computation. The password store format H(username:realm:password)
// is fixed so existing configuration files keep working; responses must be
// byte-identical across engine versions.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
)

// Algorithm names accepted on the wire.
const (
	AlgMD5    = "MD5"
	AlgSHA256 = "SHA-256"
)

// maxParamLen bounds any single challenge or credential parameter.
const maxParamLen = 8 * 1024

// Hash applies the configured algorithm to data, returning lowercase hex.
func Hash(algorithm, data string) string {
	if strings.EqualFold(algorithm, AlgSHA256) {
		sum := sha256.Sum256([]byte(data))
		return hex.EncodeToString(sum[:])
	}
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HA1 computes H(username:realm:password) — the stored password form.
func HA1(algorithm, username, realm, password string) string {
	return Hash(algorithm, username+":"+realm+":"+password)
}

// HA2 computes H(method:uri).
func HA2(algorithm, method, uri string) string {
	return Hash(algorithm, method+":"+uri)
}

// Response computes the request digest. With qop set it is
// H(HA1:nonce:nc:cnonce:qop:HA2); without, H(HA1:nonce:HA2).
func Response(algorithm, ha1, nonce, nc, cnonce, qop, ha2 string) string {
	if qop != "" {
		return Hash(algorithm, ha1+":"+nonce+":"+nc+":"+cnonce+":"+qop+":"+ha2)
	}
	return Hash(algorithm, ha1+":"+nonce+":"+ha2)
}

// Cnonce returns 16 random lowercase hex characters.
func Cnonce() string {
	raw := make([]byte, 8)
	rand.Read(raw)
	return hex.EncodeToString(raw)
}

// Params holds auth parameters by name; the wire order is not kept.
type Params map[string]string

// ParseParams parses the parameter list of a Digest challenge or
// credential header value (the text after the "Digest " scheme token).
// Quoted values are unescaped; any parameter longer than 8 KiB is a hard
// failure.
func ParseParams(text string) (Params, error) {
	params := make(Params)
	rest := strings.TrimSpace(text)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, errors.NewProtocolError("malformed auth parameter", nil)
		}
		name := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = strings.TrimLeft(rest[eq+1:], " \t")

		var value string
		if strings.HasPrefix(rest, `"`) {
			end, unescaped, err := scanQuoted(rest)
			if err != nil {
				return nil, err
			}
			value = unescaped
			rest = rest[end:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			value = strings.TrimSpace(rest[:end])
			rest = rest[end:]
		}
		if len(value) > maxParamLen {
			return nil, errors.NewLimitError("auth-param", "parameter exceeds 8KiB: "+name)
		}
		params[name] = value

		rest = strings.TrimLeft(rest, " \t")
		if strings.HasPrefix(rest, ",") {
			rest = strings.TrimLeft(rest[1:], " \t")
		}
	}
	return params, nil
}

// scanQuoted consumes a quoted-string at the front of s, returning the
// index just past the closing quote and the unescaped content.
func scanQuoted(s string) (int, string, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return 0, "", errors.NewProtocolError("truncated escape in quoted string", nil)
			}
			i++
			b.WriteByte(s[i])
		case '"':
			return i + 1, b.String(), nil
		default:
			b.WriteByte(s[i])
		}
	}
	return 0, "", errors.NewProtocolError("unterminated quoted string", nil)
}

// Quote renders a parameter value as a quoted-string, escaping backslash
// and double-quote per RFC 7616 §3.4.
func Quote(value string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// Challenge is a parsed WWW-Authenticate Digest challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Qop       string // "" or "auth"; auth-int is rejected
	Algorithm string // MD5 or SHA-256
	Stale     bool
}

// ParseChallenge parses a WWW-Authenticate value. Basic challenges return
// a Challenge with only Realm set and Algorithm empty.
func ParseChallenge(header string) (*Challenge, bool, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	switch strings.ToLower(scheme) {
	case "basic":
		params, err := ParseParams(rest)
		if err != nil {
			return nil, false, err
		}
		return &Challenge{Realm: params["realm"]}, true, nil
	case "digest":
	default:
		return nil, false, errors.NewProtocolError("unsupported auth scheme: "+scheme, nil)
	}

	params, err := ParseParams(rest)
	if err != nil {
		return nil, false, err
	}
	ch := &Challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Algorithm: params["algorithm"],
		Stale:     strings.EqualFold(params["stale"], "true"),
	}
	if ch.Algorithm == "" {
		ch.Algorithm = AlgMD5
	}
	if !strings.EqualFold(ch.Algorithm, AlgMD5) && !strings.EqualFold(ch.Algorithm, AlgSHA256) {
		return nil, false, errors.NewProtocolError("unsupported digest algorithm: "+ch.Algorithm, nil)
	}
	// qop is a list; auth-int requires body hashing which the engine
	// rejects.
	for _, qop := range strings.Split(params["qop"], ",") {
		qop = strings.TrimSpace(qop)
		if qop == "auth" {
			ch.Qop = "auth"
		} else if qop == "auth-int" && ch.Qop == "" {
			ch.Qop = qop
		}
	}
	if ch.Qop == "auth-int" {
		return nil, false, errors.NewProtocolError("auth-int is not supported", nil)
	}
	return ch, false, nil
}

// Credentials is a parsed Authorization Digest header.
type Credentials struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Qop       string
	NC        string
	Cnonce    string
	Response  string
	Opaque    string
	Algorithm string
}

// ParseCredentials parses an Authorization value of the Digest scheme.
func ParseCredentials(header string) (*Credentials, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "digest") {
		return nil, errors.NewProtocolError("not a digest authorization", nil)
	}
	params, err := ParseParams(rest)
	if err != nil {
		return nil, err
	}
	cr := &Credentials{
		Username:  params["username"],
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		URI:       params["uri"],
		Qop:       params["qop"],
		NC:        params["nc"],
		Cnonce:    params["cnonce"],
		Response:  params["response"],
		Opaque:    params["opaque"],
		Algorithm: params["algorithm"],
	}
	if cr.Algorithm == "" {
		cr.Algorithm = AlgMD5
	}
	return cr, nil
}

// Authorization renders the Authorization header value for a request.
func (c *Credentials) Authorization() string {
	var b strings.Builder
	b.WriteString("Digest username=" + Quote(c.Username))
	b.WriteString(", realm=" + Quote(c.Realm))
	b.WriteString(", nonce=" + Quote(c.Nonce))
	b.WriteString(", uri=" + Quote(c.URI))
	if c.Qop != "" {
		b.WriteString(", qop=" + c.Qop)
		b.WriteString(", nc=" + c.NC)
		b.WriteString(", cnonce=" + Quote(c.Cnonce))
	}
	b.WriteString(", response=" + Quote(c.Response))
	if c.Opaque != "" {
		b.WriteString(", opaque=" + Quote(c.Opaque))
	}
	b.WriteString(fmt.Sprintf(", algorithm=%s", c.Algorithm))
	return b.String()
}
