package networking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MiB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024
)

// Response is the outcome of a capped fetch. Redirect and 304 responses are
// returned to the caller rather than treated as errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPError represents an HTTP error response with status code and body preview.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError checks if an error is an HTTPError with the specified status
// code. If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}

// FetchOption configures a fetch request.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	headers         http.Header
	maxResponseSize int64
}

// WithHeader adds a request header.
func WithHeader(name, value string) FetchOption {
	return func(o *fetchOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Set(name, value)
	}
}

// WithMaxResponseSize caps the number of response body bytes read.
func WithMaxResponseSize(n int64) FetchOption {
	return func(o *fetchOptions) {
		o.maxResponseSize = n
	}
}

// Fetch performs a GET request and reads at most the configured number of
// body bytes. A body larger than the cap is an error; status codes of 500 and
// above are mapped to HTTPError with a bounded body preview.
func Fetch(ctx context.Context, client *http.Client, url string, opts ...FetchOption) (*Response, error) {
	options := fetchOptions{maxResponseSize: DefaultMaxResponseSize}
	for _, opt := range opts {
		opt(&options)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	for name, values := range options.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	// Read one extra byte to detect bodies exceeding the cap.
	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if int64(len(body)) > options.maxResponseSize {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", url, options.maxResponseSize)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		preview := body
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(preview), URL: url}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
