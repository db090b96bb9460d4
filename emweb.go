// Package emweb is an embedded HTTP/1 protocol engine: a single-process
// server and matching client sharing a connection model, a chunked
// transfer framer, a WebSocket upgrade path, a Server-Sent Events reader
// and conditional/range GET handling.
package emweb

import (
	"github.com/emweb-io/emweb/pkg/client"
	"github.com/emweb-io/emweb/pkg/config"
	"github.com/emweb-io/emweb/pkg/errors"
	"github.com/emweb-io/emweb/pkg/server"
	"github.com/emweb-io/emweb/pkg/sse"
	"github.com/emweb-io/emweb/pkg/tlsconfig"
	"github.com/emweb-io/emweb/pkg/ws"
)

// Version is the current version of the emweb engine.
const Version = server.Version

// GetVersion returns the current version of the engine.
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Client is the HTTP/1 client engine.
	Client = client.Client

	// ClientOptions controls how the client connects and reads responses.
	ClientOptions = client.Options

	// Host is one configured server host.
	Host = server.Host

	// Request is the server-side request/response object.
	Request = server.Request

	// Action is a handler function registered against a URL prefix.
	Action = server.Action

	// Config is a loaded configuration file.
	Config = config.Config

	// TLSOptions carries certificate and verification settings.
	TLSOptions = tlsconfig.Options

	// Event is one server-sent event.
	Event = sse.Event

	// WebSocket is an upgraded RFC 6455 frame connection.
	WebSocket = ws.Conn

	// Error is the engine's structured error.
	Error = errors.Error
)

// Re-export error kinds for convenience
const (
	ErrBadArgs      = errors.KindBadArgs
	ErrBadState     = errors.KindBadState
	ErrMemory       = errors.KindMemory
	ErrCantConnect  = errors.KindCantConnect
	ErrCantRead     = errors.KindCantRead
	ErrCantWrite    = errors.KindCantWrite
	ErrCantComplete = errors.KindCantComplete
	ErrTimeout      = errors.KindTimeout
	ErrNotFound     = errors.KindNotFound
)

// NewClient returns a client engine with the provided options.
func NewClient(opts ClientOptions) *Client {
	return client.New(opts)
}

// NewHost builds a server host from configuration.
func NewHost(cfg *Config) (*Host, error) {
	return server.NewHost(cfg)
}

// LoadConfig reads and decodes a configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
