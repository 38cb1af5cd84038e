package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/santeplus/medportal/internal/httpclient"
)

// Logging returns a middleware that logs HTTP requests and responses.
// The browsing-context key is included when ContextCookie ran first.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			const defaultHTTPStatus = 200
			ww := &respWriter{ResponseWriter: w, status: defaultHTTPStatus}
			next.ServeHTTP(ww, r)
			key, _ := httpclient.ContextKeyFrom(r.Context())
			logger.Info("http",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("ctx_key", key),
			)
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status int
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer (the
// imaging proxy flushes through it).
func (w *respWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Recover returns a middleware that recovers from panics and logs them.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic",
						slog.Any("error", err),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("stack", string(debug.Stack())))
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// browserRequestKey is an unexported context key type for browser request detection.
type browserRequestKey struct{}

// BrowserDetection returns a middleware that detects browser requests vs API requests.
// Downstream handlers use it to choose between HTML and JSON responses.
func BrowserDetection() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), browserRequestKey{}, isBrowserRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsBrowserRequest returns true if the current request is from a browser.
func IsBrowserRequest(r *http.Request) bool {
	if isBrowser, ok := r.Context().Value(browserRequestKey{}).(bool); ok {
		return isBrowser
	}
	return isBrowserRequest(r)
}

// isBrowserRequest determines if a request is from a browser:
// API and static paths never are, HTMX requests always are, and otherwise
// the Accept header decides.
func isBrowserRequest(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/static/") {
		return false
	}
	if IsHTMX(r) {
		return true
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	if strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html") {
		return false
	}
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}

// redirectPathForRequest is the in-app location a blocked request should
// return to after login. HTMX requests report the page they were issued from.
func redirectPathForRequest(r *http.Request) string {
	if IsHTMX(r) {
		if current := safeRedirectFromURL(r.Header.Get("Hx-Current-Url")); current != "" {
			return current
		}
		if referer := safeRedirectFromURL(r.Header.Get("Referer")); referer != "" {
			return referer
		}
	}
	return safeRedirectPath(r.URL.RequestURI())
}

func safeRedirectFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	// Reject scheme-relative or host-only references.
	if u.Host != "" && !u.IsAbs() {
		return ""
	}
	if u.IsAbs() {
		return safeRedirectPath(u.RequestURI())
	}
	return safeRedirectPath(raw)
}

// safeRedirectPath keeps redirects inside the application. Anything that is
// not a rooted local path, including "//host" forms, becomes "/".
func safeRedirectPath(candidate string) string {
	if candidate == "" {
		return "/"
	}
	if strings.HasPrefix(candidate, "//") || strings.HasPrefix(candidate, `/\`) {
		return "/"
	}
	u, err := url.Parse(candidate)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return "/"
	}
	return candidate
}

// isForwardedHTTPS checks if the request was forwarded over HTTPS.
// Handles comma-separated values in X-Forwarded-Proto header.
func isForwardedHTTPS(r *http.Request) bool {
	xfProto := r.Header.Get("X-Forwarded-Proto")
	if xfProto == "" {
		return false
	}
	for _, proto := range strings.Split(xfProto, ",") {
		if strings.EqualFold(strings.TrimSpace(proto), "https") {
			return true
		}
	}
	return false
}

func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || isForwardedHTTPS(r)
}
