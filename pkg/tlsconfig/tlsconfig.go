// Package tlsconfig builds the crypto/tls configurations consumed by the
// engine. The transport itself is opaque to the protocol code: the client
// and server see a byte stream with connect, read, write, close and the
// peer-verification toggles below.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/emweb-io/emweb/pkg/errors"
)

// Options collects the certificate and verification settings a caller may
// set before connecting or listening.
type Options struct {
	// CertFile and KeyFile identify this side: the server's identity, or
	// the client certificate for mutual TLS.
	CertFile string
	KeyFile  string

	// CAFile names a PEM bundle of trust roots. When set, its roots replace
	// the system pool for verifying servers and are the pool client
	// certificates are checked against.
	CAFile string

	// VerifyPeer controls certificate chain verification of the remote
	// side. Off by default for embedded deployments with device certs.
	VerifyPeer bool

	// VerifyIssuer additionally requires the client chain to terminate in a
	// configured CA. Only meaningful with VerifyPeer, and only read by
	// Server; on the client, VerifyPeer alone turns chain verification on.
	VerifyIssuer bool

	// Ciphers restricts the cipher suites offered. Nil keeps Go's
	// defaults.
	Ciphers []uint16
}

// Client builds a client-side TLS configuration for the given server name.
func (o *Options) Client(serverName string) (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !o.VerifyPeer,
		CipherSuites:       o.Ciphers,
	}
	if err := o.loadIdentity(config); err != nil {
		return nil, err
	}
	if err := o.loadRoots(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Server builds a server-side TLS configuration. An identity certificate
// is required.
func (o *Options) Server() (*tls.Config, error) {
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.NewBadArgs("server TLS requires certificate and key")
	}
	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: o.Ciphers,
	}
	if err := o.loadIdentity(config); err != nil {
		return nil, err
	}
	if o.VerifyPeer {
		config.ClientAuth = tls.RequireAnyClientCert
		if o.VerifyIssuer {
			config.ClientAuth = tls.RequireAndVerifyClientCert
		}
		if err := o.loadClientRoots(config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func (o *Options) loadIdentity(config *tls.Config) error {
	if o.CertFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return errors.Wrap(errors.KindBadArgs, "tls", "loading certificate pair", err)
	}
	config.Certificates = []tls.Certificate{cert}
	return nil
}

func (o *Options) loadRoots(config *tls.Config) error {
	pool, err := o.caPool()
	if err != nil {
		return err
	}
	if pool != nil {
		config.RootCAs = pool
	}
	return nil
}

func (o *Options) loadClientRoots(config *tls.Config) error {
	pool, err := o.caPool()
	if err != nil {
		return err
	}
	if pool != nil {
		config.ClientCAs = pool
	}
	return nil
}

func (o *Options) caPool() (*x509.CertPool, error) {
	if o.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, errors.Wrap(errors.KindBadArgs, "tls", "reading CA bundle", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.NewBadArgs("no certificates in CA bundle")
	}
	return pool, nil
}
