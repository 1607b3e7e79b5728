package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrTooMany      = errors.New("http: too many requests")
	ErrServerError  = errors.New("http: server error")
	ErrReadTimeout  = errors.New("http: read timeout")
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// Options configures the HTTP client.
type Options struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	// Default: 30s
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers and for each read of
	// a streamed body.
	// Default: 600s
	ReadTimeout time.Duration

	// RequestTimeout bounds whole non-streamed requests such as form POSTs.
	// Default: 30s
	RequestTimeout time.Duration

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:      30 * time.Second,
		ReadTimeout:         600 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxIdleConnsPerHost: 16,
		UserAgent:           "cdsdl",
	}
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
}

// StatusError reports a non-2xx response. It wraps the matching sentinel
// error when there is one.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
	err        error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http: unexpected status %s", e.Status)
	}
	return fmt.Sprintf("http: unexpected status %s: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.err
}

// Stream is an open streamed response. Body enforces the read timeout.
type Stream struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentLength int64
	Chunked       bool
	Header        http.Header
}

// Client is an HTTP client tuned for long-running product downloads.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options. Zero fields
// take their defaults.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // Products are already compressed archives
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via ssl_verify: false
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// PostForm posts form values and reads the whole response. Non-2xx
// responses are returned as a Response together with a *StatusError.
func (c *Client) PostForm(ctx context.Context, target string, form url.Values) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setUserAgent(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	if err := checkStatus(resp.StatusCode, resp.Status, body); err != nil {
		return out, err
	}
	return out, nil
}

// Stream issues a GET and returns the open body. authorization, when not
// empty, is sent as the Authorization header. The caller must close Body.
func (c *Client) Stream(ctx context.Context, target, authorization string) (*Stream, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("create request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	c.setUserAgent(req)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	if err := checkStatus(resp.StatusCode, resp.Status, nil); err != nil {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel(nil)
		var se *StatusError
		if errors.As(err, &se) {
			se.Body = strings.TrimSpace(string(snippet))
		}
		return nil, err
	}

	chunked := false
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			chunked = true
		}
	}

	return &Stream{
		Body:          newIdleReader(resp.Body, c.opts.ReadTimeout, cancel),
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		Chunked:       chunked,
		Header:        resp.Header,
	}, nil
}

func (c *Client) setUserAgent(req *http.Request) {
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
}

// checkStatus returns an appropriate error for non-success status codes.
func checkStatus(code int, status string, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	se := &StatusError{StatusCode: code, Status: status, Body: truncate(body)}
	switch {
	case code == http.StatusNotFound:
		se.err = ErrNotFound
	case code == http.StatusForbidden:
		se.err = ErrForbidden
	case code == http.StatusUnauthorized:
		se.err = ErrUnauthorized
	case code == http.StatusTooManyRequests:
		se.err = ErrTooMany
	case code >= 500:
		se.err = ErrServerError
	}
	return se
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

// idleReader cancels the request when no read completes within timeout.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	cancel  context.CancelCauseFunc

	mu    sync.Mutex
	timer *time.Timer
	fired bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc) *idleReader {
	r := &idleReader{rc: rc, timeout: timeout, cancel: cancel}
	r.timer = time.AfterFunc(timeout, r.expire)
	return r
}

func (r *idleReader) expire() {
	r.mu.Lock()
	r.fired = true
	r.mu.Unlock()
	r.cancel(ErrReadTimeout)
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.mu.Lock()
	fired := r.fired
	if !fired {
		r.timer.Reset(r.timeout)
	}
	r.mu.Unlock()
	if err != nil && fired {
		return n, fmt.Errorf("%w after %s: %v", ErrReadTimeout, r.timeout, err)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	err := r.rc.Close()
	r.cancel(nil)
	return err
}
