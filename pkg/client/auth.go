package client

import (
	"encoding/base64"
	"fmt"

	"github.com/emweb-io/emweb/pkg/digest"
	"github.com/emweb-io/emweb/pkg/errors"
)

// authorize turns a WWW-Authenticate challenge into an Authorization value
// for re-issuing the request. Basic and Digest are supported; a Digest
// stale=true drops the remembered nonce before answering.
func (c *Client) authorize(challengeHeader, method, uri string) (string, error) {
	if c.opts.Username == "" {
		return "", errors.NewBadState("auth", "no credentials configured")
	}

	challenge, basic, err := digest.ParseChallenge(challengeHeader)
	if err != nil {
		return "", err
	}
	if basic {
		token := base64.StdEncoding.EncodeToString([]byte(c.opts.Username + ":" + c.opts.Password))
		return "Basic " + token, nil
	}

	if challenge.Stale || challenge.Nonce != c.lastNonce {
		// Fresh nonce: the counter restarts.
		c.nc = 0
		c.lastNonce = challenge.Nonce
	}
	c.nc++
	nc := fmt.Sprintf("%08x", c.nc)
	cnonce := digest.Cnonce()

	ha1 := digest.HA1(challenge.Algorithm, c.opts.Username, challenge.Realm, c.opts.Password)
	ha2 := digest.HA2(challenge.Algorithm, method, uri)
	creds := &digest.Credentials{
		Username:  c.opts.Username,
		Realm:     challenge.Realm,
		Nonce:     challenge.Nonce,
		URI:       uri,
		Qop:       challenge.Qop,
		NC:        nc,
		Cnonce:    cnonce,
		Opaque:    challenge.Opaque,
		Algorithm: challenge.Algorithm,
		Response:  digest.Response(challenge.Algorithm, ha1, challenge.Nonce, nc, cnonce, challenge.Qop, ha2),
	}
	return creds.Authorization(), nil
}
