package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

const (
	// DefaultTimeout is the default timeout for a single registry request
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize caps how much of a response body is read (4MB)
	MaxResponseSize = 4 * 1024 * 1024

	// UserAgent is the user agent string for registry requests
	UserAgent = "imagewatch/1.0"
)

// HTTPClient performs bounded registry requests
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a client with the given timeout.
// If timeout is 0, uses DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport.NewUserAgent(http.DefaultTransport, UserAgent),
		},
	}
}

// Transport returns the round tripper used for requests
func (c *HTTPClient) Transport() http.RoundTripper {
	if c.client.Transport == nil {
		return http.DefaultTransport
	}
	return c.client.Transport
}

// request describes one outbound call
type request struct {
	method  string
	url     string
	query   url.Values
	headers map[string]string
	basic   *Credentials
	bearer  string
}

// response is a fully read upstream response
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// do executes req and reads the body. Non-2xx statuses are not errors here;
// callers map them to LookupErrors with the image context they hold.
func (c *HTTPClient) do(ctx context.Context, req request) (*response, error) {
	target := req.url
	if len(req.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.query.Encode()
	}

	method := req.method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	if req.basic != nil && !req.basic.Anonymous() {
		httpReq.SetBasicAuth(req.basic.Username, req.basic.Token)
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Use LimitReader to prevent reading more than MaxResponseSize
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1) // +1 to detect if limit exceeded
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	return &response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (r *response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
