// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultMaxResponseSize caps response bodies at 1MB.
	DefaultMaxResponseSize = 1024 * 1024

	// errorPreviewSize bounds the body preview kept on HTTPError.
	errorPreviewSize = 1024

	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// HTTPClient is the subset of http.Client the fetch helpers need.
// Tests substitute their own.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPError is a non-200 response. Body holds a bounded preview for
// logging; callers branch on StatusCode.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError reports whether err is an HTTPError with the given status
// code. A zero statusCode matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}

// FetchOption configures a fetch request.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	method          string
	headers         http.Header
	body            io.Reader
	maxResponseSize int64
	errorHandler    func(*http.Response, []byte) error
}

// WithMethod sets the HTTP method. The default is GET.
func WithMethod(method string) FetchOption {
	return func(o *fetchOptions) { o.method = method }
}

// WithHeader adds a header to the request.
func WithHeader(key, value string) FetchOption {
	return func(o *fetchOptions) { o.headers.Set(key, value) }
}

// WithBody sets the request body.
func WithBody(body io.Reader) FetchOption {
	return func(o *fetchOptions) { o.body = body }
}

// WithMaxResponseSize overrides the response body cap.
func WithMaxResponseSize(size int64) FetchOption {
	return func(o *fetchOptions) { o.maxResponseSize = size }
}

// WithErrorHandler installs a handler for non-200 responses. When it
// returns a non-nil error that error is surfaced instead of the default
// HTTPError; structured upstream errors (OAuth error bodies) go through
// here.
func WithErrorHandler(handler func(*http.Response, []byte) error) FetchOption {
	return func(o *fetchOptions) { o.errorHandler = handler }
}

// FetchJSON performs a request and decodes the JSON response into T.
// Non-200 statuses surface as HTTPError unless an error handler claims
// them. The body read is bounded.
func FetchJSON[T any](ctx context.Context, client HTTPClient, requestURL string, opts ...FetchOption) (T, error) {
	var zero T

	options := &fetchOptions{
		method:          http.MethodGet,
		headers:         make(http.Header),
		maxResponseSize: DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.headers.Get("Accept") == "" {
		options.headers.Set("Accept", contentTypeJSON)
	}

	req, err := http.NewRequestWithContext(ctx, options.method, requestURL, options.body)
	if err != nil {
		return zero, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range options.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return zero, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if options.errorHandler != nil {
			if handled := options.errorHandler(resp, body); handled != nil {
				return zero, handled
			}
		}
		preview := string(body)
		if len(preview) > errorPreviewSize {
			preview = preview[:errorPreviewSize]
		}
		return zero, &HTTPError{StatusCode: resp.StatusCode, Body: preview, URL: requestURL}
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), contentTypeJSON) {
		return zero, fmt.Errorf("unexpected content type: %s", ct)
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return zero, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return data, nil
}

// FetchJSONWithForm POSTs a form-urlencoded body and decodes the JSON
// response. Token endpoints and similar APIs go through this.
func FetchJSONWithForm[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	formData url.Values,
	opts ...FetchOption,
) (T, error) {
	formOpts := []FetchOption{
		WithMethod(http.MethodPost),
		WithHeader("Content-Type", contentTypeForm),
		WithBody(strings.NewReader(formData.Encode())),
	}
	return FetchJSON[T](ctx, client, requestURL, append(formOpts, opts...)...)
}
