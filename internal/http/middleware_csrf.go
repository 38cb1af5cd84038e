package httpx

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	// DefaultCSRFCookieName is the default name for the CSRF cookie.
	DefaultCSRFCookieName = "medportal_csrf"
	// DefaultCSRFHeaderName is the default name for the CSRF header (canonical form).
	DefaultCSRFHeaderName = "X-Csrf-Token"
	// DefaultCSRFFormField is the form field carrying the token on plain form posts.
	DefaultCSRFFormField = "csrf_token"
	// DefaultCSRFTokenLength is the default length of the CSRF token in bytes.
	DefaultCSRFTokenLength = 32
)

// CSRFConfig holds configuration for CSRF protection middleware.
type CSRFConfig struct {
	CookieName    string
	HeaderName    string
	FormFieldName string
	CookieDomain  string
	TokenLength   int
	// Exempt lists path prefixes that skip validation.
	Exempt []string
}

// CSRFProtection returns a middleware implementing the double-submit cookie
// pattern. The token travels back in the X-Csrf-Token header (htmx, fetch)
// or the csrf_token form field (login and logout forms). Safe methods are
// never validated.
func CSRFProtection(cfg CSRFConfig) func(http.Handler) http.Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCSRFCookieName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultCSRFHeaderName
	}
	if cfg.FormFieldName == "" {
		cfg.FormFieldName = DefaultCSRFFormField
	}
	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultCSRFTokenLength
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := getCSRFToken(r, cfg.CookieName)
			if token == "" {
				var err error
				token, err = generateCSRFToken(cfg.TokenLength)
				if err != nil {
					http.Error(w, "unable to generate CSRF token", http.StatusInternalServerError)
					return
				}
				setCSRFCookie(w, r, cfg, token)
			}

			r = r.WithContext(setCSRFTokenInContext(r.Context(), token))

			if requiresCSRFValidation(r.Method) && !cfg.exempt(r.URL.Path) {
				if !validateCSRFToken(r, token, cfg) {
					http.Error(w, "CSRF token validation failed", http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (cfg CSRFConfig) exempt(path string) bool {
	for _, p := range cfg.Exempt {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// requiresCSRFValidation returns true if the HTTP method requires CSRF validation.
func requiresCSRFValidation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

func getCSRFToken(r *http.Request, cookieName string) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// generateCSRFToken fails closed: a broken random source never yields a
// predictable token.
func generateCSRFToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("csrf token generation failed: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func setCSRFCookie(w http.ResponseWriter, r *http.Request, cfg CSRFConfig, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   cfg.CookieDomain,
		HttpOnly: false, // htmx reads it to fill the header
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   3600 * 12,
	})
}

// validateCSRFToken compares in constant time, header first, then the form
// field for form-encoded bodies.
func validateCSRFToken(r *http.Request, cookieToken string, cfg CSRFConfig) bool {
	if cookieToken == "" {
		return false
	}

	if headerToken := r.Header.Get(cfg.HeaderName); headerToken != "" {
		return subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) == 1
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseForm(); err != nil {
			return false
		}
		if formToken := r.FormValue(cfg.FormFieldName); formToken != "" {
			return subtle.ConstantTimeCompare([]byte(formToken), []byte(cookieToken)) == 1
		}
	}

	return false
}

type csrfTokenKey struct{}

func setCSRFTokenInContext(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfTokenKey{}, token)
}

// GetCSRFToken retrieves the CSRF token from the request context for templates.
func GetCSRFToken(r *http.Request) string {
	if token, ok := r.Context().Value(csrfTokenKey{}).(string); ok {
		return token
	}
	return ""
}
