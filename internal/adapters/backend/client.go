// Package backend is the typed REST client for the medical backend.
//
// Every call goes through the injected *http.Client, whose transport adds
// the bearer token. The client itself never reads session storage.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/httpclient"
)

const maxBodyBytes = 4 << 20

// ErrUnauthorized is returned when the backend answers 401 or 403 to a
// bearer-authorized call. Callers decide whether to log out or redirect.
var ErrUnauthorized = apperrors.Unauthenticated("backend rejected the session token")

// StatusError carries an unexpected backend status.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend origin, e.g. http://localhost:9000.
	BaseURL string
	// HTTP is the shared client carrying the bearer transport.
	HTTP *http.Client
	// TokenPath and RolesPath are JMESPath expressions applied to the
	// login response body.
	TokenPath string
	RolesPath string
	Logger    *slog.Logger
}

// Client talks to the medical backend.
type Client struct {
	base      *url.URL
	http      *http.Client
	extractor *loginExtractor
	logger    *slog.Logger
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base URL must be http or https, got %q", base.Scheme)
	}
	if opts.HTTP == nil {
		return nil, errors.New("backend http client is required")
	}
	ex, err := newLoginExtractor(opts.TokenPath, opts.RolesPath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:      base,
		http:      opts.HTTP,
		extractor: ex,
		logger:    logger.With("component", "backend_client"),
	}, nil
}

// URL resolves a backend path against the base URL. path is already
// escaped: callers escape each variable segment with url.PathEscape.
func (c *Client) URL(path string) string {
	u := *c.base
	raw := c.base.EscapedPath() + path
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	u.Path, u.RawPath = decoded, raw
	return u.String()
}

// HTTPClient exposes the shared client for the imaging proxy.
func (c *Client) HTTPClient() *http.Client { return c.http }

type request struct {
	method string
	path   string
	body   io.Reader
	ctype  string
	header http.Header
}

func jsonRequest(method, path string, v any) (request, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return request{}, fmt.Errorf("encode %s body: %w", path, err)
	}
	return request{method: method, path: path, body: bytes.NewReader(b), ctype: "application/json"}, nil
}

func formRequest(path string, form url.Values) request {
	return request{
		method: http.MethodPost,
		path:   path,
		body:   strings.NewReader(form.Encode()),
		ctype:  "application/x-www-form-urlencoded",
	}
}

// do sends r and returns the response with its body fully read.
// Transport failures and timeouts map to Unavailable/Timeout AppErrors.
func (c *Client) do(ctx context.Context, r request) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, c.URL(r.path), r.body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.ctype != "" {
		req.Header.Set("Content-Type", r.ctype)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, transportError(ctx, r, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, transportError(ctx, r, err)
	}
	return resp.StatusCode, body, nil
}

// getJSON issues an authorized GET and decodes a 2xx body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	status, body, err := c.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return err
	}
	if err := checkStatus(http.MethodGet, path, status, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeInternal, "decode %s response", path)
	}
	return nil
}

func transportError(ctx context.Context, r request, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrapf(err, apperrors.ErrCodeTimeout, "%s %s timed out", r.method, r.path)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return apperrors.Wrapf(err, apperrors.ErrCodeTimeout, "%s %s timed out", r.method, r.path)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrapf(err, apperrors.ErrCodeCanceled, "%s %s canceled", r.method, r.path)
	}
	return apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "%s %s failed", r.method, r.path)
}

// checkStatus maps non-2xx statuses for authorized calls.
func checkStatus(method, path string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	se := &StatusError{Method: method, Path: path, Status: status, Body: snippet(body)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, se)
	case status == http.StatusNotFound:
		return apperrors.Wrap(se, apperrors.ErrCodeNotFound, "resource not found")
	case status >= 500:
		return apperrors.Wrap(se, apperrors.ErrCodeUnavailable, "backend error")
	default:
		return apperrors.Wrap(se, apperrors.ErrCodeValidation, "backend rejected request")
	}
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// IsUnauthorized reports whether err stems from a 401/403 backend answer.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// withBearer pins token for the request when the caller already holds it.
func withBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return httpclient.WithToken(ctx, token)
}
