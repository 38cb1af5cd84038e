package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultOrthancPrefix is the backend imaging path used when none is configured.
const DefaultOrthancPrefix = "/api/medical/hopitaux/{hospital}/orthanc"

// BackendConfig describes the medical backend the front-end talks to.
type BackendConfig struct {
	// BaseURL is the backend origin, e.g. "http://localhost:8081".
	BaseURL string `env:"BACKEND_URL" envDefault:"http://localhost:8081"`

	// Timeout bounds every backend call.
	Timeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`

	// LogoutTimeout bounds the best-effort logout notification.
	LogoutTimeout time.Duration `env:"BACKEND_LOGOUT_TIMEOUT" envDefault:"3s"`

	// TokenPath and RolesPath are JMESPath expressions applied to the login
	// response body.
	TokenPath string `env:"BACKEND_TOKEN_PATH" envDefault:"token"`
	RolesPath string `env:"BACKEND_ROLES_PATH" envDefault:"roles"`

	// OrthancPrefix is the backend path the imaging proxy forwards to.
	// "{hospital}" is replaced by the signed-in user's hospital id.
	OrthancPrefix string `env:"BACKEND_ORTHANC_PREFIX" envDefault:"/api/medical/hopitaux/{hospital}/orthanc"`

	// ExtraExclusions lists further backend paths, relative to BaseURL, sent
	// without a bearer token.
	ExtraExclusions []string `env:"BACKEND_AUTH_EXCLUDE" envSeparator:","`
}

// Sanitize applies guardrails to backend configuration values.
func (b *BackendConfig) Sanitize() {
	b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
	if b.Timeout <= 0 {
		b.Timeout = 10 * time.Second
	}
	if b.LogoutTimeout <= 0 {
		b.LogoutTimeout = 3 * time.Second
	}
	if b.LogoutTimeout > b.Timeout {
		b.LogoutTimeout = b.Timeout
	}
	if strings.TrimSpace(b.TokenPath) == "" {
		b.TokenPath = "token"
	}
	if strings.TrimSpace(b.RolesPath) == "" {
		b.RolesPath = "roles"
	}
	if p := strings.Trim(strings.TrimSpace(b.OrthancPrefix), "/"); p != "" {
		b.OrthancPrefix = "/" + p
	} else {
		b.OrthancPrefix = DefaultOrthancPrefix
	}

	out := b.ExtraExclusions[:0]
	for _, p := range b.ExtraExclusions {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	b.ExtraExclusions = out
}

// Validate checks that BaseURL is an absolute http(s) URL.
func (b *BackendConfig) Validate() error {
	if b.BaseURL == "" {
		return errors.New("BACKEND_URL is required")
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid BACKEND_URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid BACKEND_URL %q: must be an absolute http(s) URL", b.BaseURL)
	}
	return nil
}

// BasePath returns the path BaseURL is mounted under, "" for the root.
func (b *BackendConfig) BasePath() string {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}
