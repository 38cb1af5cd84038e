// Package httpclient provides the single outbound HTTP client used for every
// backend call. Its transport attaches the session's bearer token to each
// request except the authentication endpoints.
package httpclient

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/santeplus/medportal/internal/ports"
)

// DefaultExclusions are backend paths that never receive a bearer header
// from the transport.
var DefaultExclusions = []string{
	"/api/auth/login",
	"/api/auth/logout",
	"/api/emails/send-password-reset",
}

// Options configures New and NewBearerTransport.
type Options struct {
	// Tokens resolves the token for a request context. Nil means only
	// WithToken overrides are honoured.
	Tokens ports.TokenSource
	// Exclude lists paths passed through untouched, in addition to
	// DefaultExclusions. A request is excluded only when its path equals
	// BasePath followed by an entry.
	Exclude []string
	// BasePath is the path the backend is mounted under, e.g. "/medportal".
	BasePath string
	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
	// Timeout bounds each request; zero means no client-level timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// BearerTransport is an http.RoundTripper that injects
// "Authorization: Bearer <token>". It never fails on its own: token lookup
// errors are logged and the request goes out unauthenticated.
type BearerTransport struct {
	base    http.RoundTripper
	tokens  ports.TokenSource
	exclude map[string]struct{}
	logger  *slog.Logger
}

var _ http.RoundTripper = (*BearerTransport)(nil)

// NewBearerTransport builds the transport described by opts.
func NewBearerTransport(opts Options) *BearerTransport {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimRight(strings.TrimSpace(opts.BasePath), "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	exclude := make(map[string]struct{}, len(DefaultExclusions)+len(opts.Exclude))
	for _, p := range append(append([]string(nil), DefaultExclusions...), opts.Exclude...) {
		if p = strings.Trim(strings.TrimSpace(p), "/"); p != "" {
			exclude[prefix+"/"+p] = struct{}{}
		}
	}
	return &BearerTransport{
		base:    base,
		tokens:  opts.Tokens,
		exclude: exclude,
		logger:  logger.With("component", "bearer_transport"),
	}
}

// New returns the shared backend client.
func New(opts Options) *http.Client {
	return &http.Client{
		Transport: NewBearerTransport(opts),
		Timeout:   opts.Timeout,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.excluded(req.URL.Path) {
		return t.base.RoundTrip(req)
	}

	token := t.resolve(req)
	if token == "" {
		return t.base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(out)
	return t.base.RoundTrip(out)
}

// Excluded reports whether path bypasses token injection.
func (t *BearerTransport) Excluded(path string) bool { return t.excluded(path) }

func (t *BearerTransport) excluded(path string) bool {
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	_, ok := t.exclude[path]
	return ok
}

func (t *BearerTransport) resolve(req *http.Request) string {
	ctx := req.Context()
	if tok, ok := tokenOverride(ctx); ok {
		return tok
	}
	if t.tokens == nil {
		return ""
	}
	tok, err := t.tokens.TokenFor(ctx)
	if err != nil {
		key, _ := ContextKeyFrom(ctx)
		t.logger.WarnContext(ctx, "token lookup failed; sending request without bearer",
			slog.String("ctx_key", key),
			slog.String("path", req.URL.Path),
			slog.Any("error", err))
		return ""
	}
	return tok
}
