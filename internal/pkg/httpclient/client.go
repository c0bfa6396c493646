package httpclient

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/go-resty/resty/v2"
)

// Response carries the pieces adapters need for endpoint probing: panels
// routinely return HTTP 200 with an embedded failure flag, so callers must
// see both the status and the raw body.
type Response struct {
	StatusCode int
	Body       []byte
	Cookies    []*http.Cookie
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client wraps resty for HTTP requests to external panels.
type Client struct {
	r *resty.Client
}

// New creates a new HTTP client with sensible defaults. Redirect-following is
// disabled because X-UI login endpoints answer 302/303 on success.
func New() *Client {
	r := resty.New().
		SetTimeout(20 * time.Second).
		SetRedirectPolicy(resty.NoRedirectPolicy())

	if jar, err := cookiejar.New(nil); err == nil {
		r.SetCookieJar(jar)
	}

	return &Client{r: r}
}

// WithTimeout sets a custom timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.r.SetTimeout(d)
	return c
}

// WithBearerToken sets a bearer token for authentication.
func (c *Client) WithBearerToken(token string) *Client {
	c.r.SetAuthToken(token)
	return c
}

// WithHeader sets a custom header on every request.
func (c *Client) WithHeader(key, value string) *Client {
	c.r.SetHeader(key, value)
	return c
}

// WithInsecureSkipVerify disables TLS verification. Self-hosted panels
// almost always run on self-signed certificates.
func (c *Client) WithInsecureSkipVerify() *Client {
	c.r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	return c
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	resp, err := c.r.R().SetContext(ctx).Get(url)
	return wrap(resp, err)
}

// PostJSON sends a POST request with a JSON body.
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}) (*Response, error) {
	req := c.r.R().SetContext(ctx).SetHeader("Content-Type", "application/json")
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(url)
	return wrap(resp, err)
}

// PostForm sends a POST request with form-encoded data.
func (c *Client) PostForm(ctx context.Context, url string, data map[string]string) (*Response, error) {
	resp, err := c.r.R().SetContext(ctx).SetFormData(data).Post(url)
	return wrap(resp, err)
}

// PutJSON sends a PUT request with a JSON body.
func (c *Client) PutJSON(ctx context.Context, url string, body interface{}) (*Response, error) {
	resp, err := c.r.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Put(url)
	return wrap(resp, err)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	resp, err := c.r.R().SetContext(ctx).Delete(url)
	return wrap(resp, err)
}

// Raw returns the underlying resty client for advanced usage.
func (c *Client) Raw() *resty.Client {
	return c.r
}

func wrap(resp *resty.Response, err error) (*Response, error) {
	if err != nil {
		// resty reports refused redirects as errors; the login flow still
		// needs the status and cookies from those responses.
		if resp != nil && resp.RawResponse != nil && resp.StatusCode() >= 300 && resp.StatusCode() < 400 {
			return &Response{
				StatusCode: resp.StatusCode(),
				Body:       resp.Body(),
				Cookies:    resp.Cookies(),
			}, nil
		}
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
		Cookies:    resp.Cookies(),
	}, nil
}
