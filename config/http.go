package config

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the public base URL of the front-end (e.g., "https://portail.example.org").
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// CookieDomain is the domain for the browsing-context cookie.
	// Leave empty to use the request host.
	CookieDomain string `env:"APP_COOKIE_DOMAIN" envDefault:""`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	h.CookieDomain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h.CookieDomain)), ".")
	h.BaseURL = strings.TrimRight(strings.TrimSpace(h.BaseURL), "/")
}

// Validate rejects a cookie domain that browsers would refuse, such as a
// public suffix ("com", "co.uk") shared by unrelated sites.
func (h *HTTPConfig) Validate() error {
	return ValidateCookieDomain(h.CookieDomain)
}

// ValidateCookieDomain accepts "", localhost, IP literals, and any domain
// below a public suffix.
func ValidateCookieDomain(domain string) error {
	d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" || d == "localhost" || net.ParseIP(d) != nil {
		return nil
	}
	if suffix, _ := publicsuffix.PublicSuffix(d); suffix == d {
		return fmt.Errorf("cookie domain %q is a public suffix", domain)
	}
	return nil
}
