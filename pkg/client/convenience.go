package client

import (
	"io"

	"github.com/emweb-io/emweb/pkg/urlx"
)

// Result is the buffered outcome of a convenience request.
type Result struct {
	Status  int
	Body    []byte
	Headers func(name string) string
}

// Get issues a GET and buffers the response.
func (c *Client) Get(url string, headers map[string]string) (*Result, error) {
	return c.Fetch("GET", url, headers, nil)
}

// Post issues a POST with the given content type and body.
func (c *Client) Post(url, contentType string, body []byte) (*Result, error) {
	headers := map[string]string{"Content-Type": contentType}
	return c.Fetch("POST", url, headers, body)
}

// JSON issues a request with an application/json body.
func (c *Client) JSON(method, url string, body []byte) (*Result, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	return c.Fetch(method, url, headers, body)
}

// Fetch composes the explicit call sequence and, on a 401 with credentials
// configured, answers the challenge and retries exactly once. Redirects
// are not followed; the caller observes 301..308 and the Location header.
func (c *Client) Fetch(method, url string, headers map[string]string, body []byte) (*Result, error) {
	result, err := c.fetchOnce(method, url, headers, body)
	if err != nil {
		return nil, err
	}
	if result.Status != 401 || c.opts.Username == "" {
		return result, nil
	}

	challenge := result.Headers("WWW-Authenticate")
	if challenge == "" {
		return result, nil
	}
	u, err := urlx.Parse(url)
	if err != nil {
		return nil, err
	}
	authorization, err := c.authorize(challenge, method, u.RequestTarget())
	if err != nil {
		return nil, err
	}

	retryHeaders := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		retryHeaders[k] = v
	}
	retryHeaders["Authorization"] = authorization
	return c.fetchOnce(method, url, retryHeaders, body)
}

func (c *Client) fetchOnce(method, url string, headers map[string]string, body []byte) (*Result, error) {
	if err := c.Start(method, url); err != nil {
		return nil, err
	}
	defer c.Close()

	if err := c.WriteHeaders(headers); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if err := c.Write(body); err != nil {
			return nil, err
		}
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	status, err := c.Status()
	if err != nil {
		return nil, err
	}
	data, err := c.Response()
	if err != nil {
		return nil, err
	}
	responseHeaders := c.respHeaders
	return &Result{
		Status:  status,
		Body:    data,
		Headers: responseHeaders.Get,
	}, nil
}

// URLRead streams a GET response body into w without a buffer bound.
func (c *Client) URLRead(url string, w io.Writer) (int, error) {
	if err := c.Start("GET", url); err != nil {
		return 0, err
	}
	defer c.Close()

	if err := c.Finalize(); err != nil {
		return 0, err
	}
	status, err := c.Status()
	if err != nil {
		return 0, err
	}

	chunk := make([]byte, 32*1024)
	for {
		n, err := c.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return status, werr
			}
		}
		if err == io.EOF {
			return status, nil
		}
		if err != nil {
			return status, err
		}
	}
}
