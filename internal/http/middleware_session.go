package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/santeplus/medportal/internal/domain/guard"
	"github.com/santeplus/medportal/internal/httpclient"
	"github.com/santeplus/medportal/internal/observability/metrics"
	"github.com/santeplus/medportal/internal/observability/statsd"
)

// DefaultContextCookieName names the cookie holding the browsing-context key.
const DefaultContextCookieName = "medportal_ctx"

// ContextCookieConfig configures the browsing-context cookie.
type ContextCookieConfig struct {
	CookieName   string
	CookieDomain string
	// MaxAge bounds the cookie lifetime; zero makes it a browser-session cookie.
	MaxAge time.Duration
}

// ContextCookie returns a middleware that identifies the browsing context.
// A request without a valid key cookie is issued a fresh random key. The key
// is attached to the request context with httpclient.WithContextKey so that
// every backend call made while serving the request resolves its token.
func ContextCookie(cfg ContextCookieConfig) func(http.Handler) http.Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultContextCookieName
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := contextKeyFromCookie(r, cfg.CookieName)
			if key == "" {
				key = uuid.NewString()
				setContextCookie(w, r, cfg, key)
			}
			ctx := httpclient.WithContextKey(r.Context(), key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func contextKeyFromCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return ""
	}
	return id.String()
}

func setContextCookie(w http.ResponseWriter, r *http.Request, cfg ContextCookieConfig, key string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.CookieName,
		Value:    key,
		Path:     "/",
		Domain:   cfg.CookieDomain,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(cfg.MaxAge / time.Second),
	})
}

// LoadSession returns a middleware that opens the session of the request's
// browsing context and places it in the request context.
func LoadSession(sessions SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := httpclient.ContextKeyFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			sess := sessions.Open(r.Context(), key)
			next.ServeHTTP(w, r.WithContext(SetSessionInContext(r.Context(), sess)))
		})
	}
}

// RouteGuardConfig configures the RouteGuard middleware.
type RouteGuardConfig struct {
	Guard   *guard.Guard
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RouteGuard returns a middleware that enforces the navigation table before
// the handler runs. A blocked request never reaches next:
//   - HTMX requests get an Hx-Redirect to the fallback route,
//   - browser requests get 303 See Other to the fallback route,
//   - API requests get a 401 JSON error.
//
// When the credential store cannot be reached the decision is deferred and
// the request proceeds; handlers that need a token fail on their own.
func RouteGuard(cfg RouteGuardConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, _ := GetSessionFromContext(r.Context())
			pass := guard.PassClient
			if sess != nil && !sess.StorageAvailable() {
				pass = guard.PassServer
			}

			var state guard.SessionState
			if sess != nil {
				state = sess
			}
			d := cfg.Guard.Decide(r.URL.Path, redirectPathForRequest(r), pass, state)
			metrics.EmitGuardDecision(cfg.Metrics, string(d.Outcome), d.Protected)

			switch d.Outcome {
			case guard.OutcomeDeferred:
				key, _ := httpclient.ContextKeyFrom(r.Context())
				logger.WarnContext(r.Context(), "route guard deferred; credential store unavailable",
					slog.String("path", r.URL.Path),
					slog.String("ctx_key", key))
			case guard.OutcomeRedirect:
				writeBlocked(w, r, d.Location)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeBlocked(w http.ResponseWriter, r *http.Request, location string) {
	if IsHTMX(r) || IsBrowserRequest(r) {
		redirect(w, r, location)
		return
	}
	WriteError(w, ErrorParams{
		Code:    http.StatusUnauthorized,
		ErrCode: "authentication_required",
		Err:     errors.New("authentication required"),
	})
}
