// Package config loads the engine's JSON configuration. The parsed file is
// held as a generic tree with dot-path lookup — the same shape the
// signature validator walks — and the "web" object is decoded onto typed
// structs.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/emweb-io/emweb/pkg/errors"
)

// Web is the recognized configuration of one host.
type Web struct {
	Documents     string      `mapstructure:"documents"`
	Listen        []string    `mapstructure:"listen"`
	Routes        []Route     `mapstructure:"routes"`
	Redirects     []Redirect  `mapstructure:"redirects"`
	Index         string      `mapstructure:"index"`
	SameSite      string      `mapstructure:"sameSite"`
	HTTPOnly      bool        `mapstructure:"httpOnly"`
	SessionCookie string      `mapstructure:"sessionCookie"`
	Auth          Auth        `mapstructure:"auth"`
	Users         []User      `mapstructure:"users"`
	Roles         map[string][]string `mapstructure:"roles"`
	Limits        Limits      `mapstructure:"limits"`
	Timeouts      Timeouts    `mapstructure:"timeouts"`
	Show          string      `mapstructure:"show"`
	Signatures    map[string]any `mapstructure:"signatures"`
	Upload        Upload      `mapstructure:"upload"`

	// StrictSignatures rejects fields absent from a signature instead of
	// dropping them.
	StrictSignatures bool `mapstructure:"strictSignatures"`
}

// Route is one ordered routing rule.
type Route struct {
	Match           string   `mapstructure:"match"`
	Methods         []string `mapstructure:"methods"`
	Handler         string   `mapstructure:"handler"`
	Role            string   `mapstructure:"role"`
	Redirect        string   `mapstructure:"redirect"`
	Trim            string   `mapstructure:"trim"`
	Xsrf            bool     `mapstructure:"xsrf"`
	Validate        bool     `mapstructure:"validate"`
	Stream          bool     `mapstructure:"stream"`
	Compressed      bool     `mapstructure:"compressed"`
	CacheMaxAge     int      `mapstructure:"cacheMaxAge"`
	CacheDirectives string   `mapstructure:"cacheDirectives"`
	Extensions      []string `mapstructure:"extensions"`
}

// Redirect is a host-level from/to redirect rule.
type Redirect struct {
	From   string `mapstructure:"from"`
	To     string `mapstructure:"to"`
	Status int    `mapstructure:"status"`
}

// Auth carries the HTTP authentication defaults.
type Auth struct {
	Realm              string `mapstructure:"realm"`
	Algorithm          string `mapstructure:"algorithm"` // MD5 or SHA-256
	Type               string `mapstructure:"type"`      // basic or digest
	DigestTimeout      int    `mapstructure:"digestTimeout"`
	RequireTLSForBasic bool   `mapstructure:"requireTlsForBasic"`
}

// User is one configured account. Password is the stored
// H(username:realm:password) pre-hash.
type User struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Role     string `mapstructure:"role"`
}

// Limits are the resource ceilings of §5. Zero selects the default.
type Limits struct {
	MaxBuffer            int   `mapstructure:"maxBuffer"`
	MaxHeader            int   `mapstructure:"maxHeader"`
	MaxConnections       int   `mapstructure:"maxConnections"`
	MaxBody              int64 `mapstructure:"maxBody"`
	MaxRequests          int   `mapstructure:"maxRequests"`
	MaxSessions          int   `mapstructure:"maxSessions"`
	MaxUpload            int64 `mapstructure:"maxUpload"`
	MaxUploads           int   `mapstructure:"maxUploads"`
	WebSocketsMaxMessage int64 `mapstructure:"webSocketsMaxMessage"`
	WebSocketsMaxFrame   int64 `mapstructure:"webSocketsMaxFrame"`
}

// Timeouts are deadlines in seconds.
type Timeouts struct {
	Parse      int `mapstructure:"parse"`
	Inactivity int `mapstructure:"inactivity"`
	Request    int `mapstructure:"request"`
	Session    int `mapstructure:"session"`
}

// Upload controls the multipart upload parser.
type Upload struct {
	Dir        string `mapstructure:"dir"`
	AutoRemove *bool  `mapstructure:"autoRemove"`
}

// Config is a loaded file: the raw tree plus the decoded web object.
type Config struct {
	Tree map[string]any
	Web  Web
}

// Load reads and decodes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindNotFound, "config", "reading "+path, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes.
func Parse(data []byte) (*Config, error) {
	tree := make(map[string]any)
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, errors.Wrap(errors.KindBadArgs, "config", "malformed configuration", err)
	}

	cfg := &Config{Tree: tree}
	if web, ok := tree["web"]; ok {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg.Web,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, errors.Wrap(errors.KindBadArgs, "config", "building decoder", err)
		}
		if err := decoder.Decode(web); err != nil {
			return nil, errors.Wrap(errors.KindBadArgs, "config", "decoding web object", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	w := &c.Web
	if w.Index == "" {
		w.Index = "index.html"
	}
	if w.SessionCookie == "" {
		w.SessionCookie = "-web-session-"
	}
	if w.SameSite == "" {
		w.SameSite = "Lax"
	}
	if w.Auth.Realm == "" {
		w.Auth.Realm = "example.com"
	}
	if w.Auth.Algorithm == "" {
		w.Auth.Algorithm = "SHA-256"
	}
	if w.Auth.Type == "" {
		w.Auth.Type = "digest"
	}
	if w.Auth.DigestTimeout == 0 {
		w.Auth.DigestTimeout = 60
	}
	if w.Upload.Dir == "" {
		w.Upload.Dir = "/tmp"
	}
	if w.Upload.AutoRemove == nil {
		yes := true
		w.Upload.AutoRemove = &yes
	}

	l := &w.Limits
	setInt(&l.MaxBuffer, 64*1024)
	setInt(&l.MaxHeader, 10*1024)
	setInt(&l.MaxConnections, 100)
	setInt64(&l.MaxBody, 100*1024)
	setInt(&l.MaxRequests, 100)
	setInt(&l.MaxSessions, 20)
	setInt64(&l.MaxUpload, 20*1024*1024)
	setInt(&l.MaxUploads, 8)
	setInt64(&l.WebSocketsMaxMessage, 256*1024)
	setInt64(&l.WebSocketsMaxFrame, 64*1024)

	t := &w.Timeouts
	setInt(&t.Parse, 5)
	setInt(&t.Inactivity, 300)
	setInt(&t.Request, 600)
	setInt(&t.Session, 1800)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setInt64(v *int64, def int64) {
	if *v == 0 {
		*v = def
	}
}

// ApplyProfile overlays the named profile's web object onto the decoded
// configuration. Profiles live under the top-level "profiles" key:
//
//	{"profiles": {"dev": {"web": {"listen": ["http://:8080"]}}}}
func (c *Config) ApplyProfile(name string) error {
	node, ok := c.Lookup("profiles." + name + ".web")
	if !ok {
		return errors.NewNotFound("config", "profile "+name)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c.Web,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(errors.KindBadArgs, "config", "building decoder", err)
	}
	if err := decoder.Decode(node); err != nil {
		return errors.Wrap(errors.KindBadArgs, "config", "decoding profile "+name, err)
	}
	c.applyDefaults()
	return nil
}

// Lookup walks the raw tree by dot-path, e.g. "web.auth.realm".
func (c *Config) Lookup(path string) (any, bool) {
	var node any = c.Tree
	for _, part := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// RoleClosure expands the role inheritance graph into the full ability set
// of each role. A role's list may name abilities or other roles; the
// closure is computed once at load and read-only afterwards.
func (c *Config) RoleClosure() map[string]map[string]bool {
	closure := make(map[string]map[string]bool, len(c.Web.Roles))
	var expand func(role string, into map[string]bool, seen map[string]bool)
	expand = func(role string, into map[string]bool, seen map[string]bool) {
		if seen[role] {
			return
		}
		seen[role] = true
		for _, ability := range c.Web.Roles[role] {
			into[ability] = true
			if _, isRole := c.Web.Roles[ability]; isRole {
				expand(ability, into, seen)
			}
		}
	}
	for role := range c.Web.Roles {
		abilities := map[string]bool{role: true}
		expand(role, abilities, map[string]bool{})
		closure[role] = abilities
	}
	return closure
}
