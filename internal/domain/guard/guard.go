// Package guard decides, per navigation, whether a route may be entered.
//
// The decision is pure: it reads route metadata and the session state it is
// given and never mutates either. Enforcement (redirects, status codes) is
// left to the HTTP layer.
package guard

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed routes.yaml
var defaultRoutes []byte

// Route is one entry of the navigation table.
type Route struct {
	Pattern      string `yaml:"pattern"`
	RequiresAuth bool   `yaml:"requires_auth"`
	Public       bool   `yaml:"public"`
}

// Table is the on-disk form of the navigation table.
type Table struct {
	Fallback string  `yaml:"fallback"`
	Routes   []Route `yaml:"routes"`
}

// Pass identifies where a navigation is evaluated.
type Pass int

const (
	// PassServer is evaluation without access to durable session storage.
	// The guard defers to a later pass instead of redirecting.
	PassServer Pass = iota
	// PassClient is evaluation with the credential store reachable.
	PassClient
)

func (p Pass) String() string {
	if p == PassServer {
		return "server"
	}
	return "client"
}

// Outcome is the result of a navigation decision.
type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeDeferred Outcome = "deferred"
	OutcomeRedirect Outcome = "redirect"
)

// Decision is what the guard concluded for one navigation.
type Decision struct {
	Outcome   Outcome
	Protected bool
	// Location is set when Outcome is OutcomeRedirect.
	Location string
}

// Allowed reports whether the navigation may proceed to the handler.
func (d Decision) Allowed() bool { return d.Outcome != OutcomeRedirect }

// SessionState is the read side of a session as seen by the guard.
type SessionState interface {
	IsAuthenticated() bool
}

// Guard holds a validated navigation table.
type Guard struct {
	fallback string
	routes   []compiledRoute
}

type compiledRoute struct {
	Route
	segments []string
	prefix   bool
}

// Default returns a Guard built from the embedded route table.
func Default() (*Guard, error) {
	return Parse(bytes.NewReader(defaultRoutes))
}

// LoadFile reads a YAML route table from path.
func LoadFile(path string) (*Guard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open route table: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a YAML route table.
func Parse(r io.Reader) (*Guard, error) {
	var t Table
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode route table: %w", err)
	}
	return New(t)
}

// New validates t and returns a Guard for it.
// The fallback route must be public, otherwise a blocked navigation would
// redirect into another block.
func New(t Table) (*Guard, error) {
	if t.Fallback == "" {
		t.Fallback = "/login"
	}
	g := &Guard{fallback: t.Fallback}
	for i, r := range t.Routes {
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("route %d: pattern %q must start with /", i, r.Pattern)
		}
		if r.Public && r.RequiresAuth {
			return nil, fmt.Errorf("route %q: public and requires_auth are exclusive", r.Pattern)
		}
		g.routes = append(g.routes, compile(r))
	}
	if !g.isPublic(t.Fallback) {
		return nil, errors.New("fallback route must be declared public")
	}
	return g, nil
}

// Fallback returns the route blocked navigations are sent to.
func (g *Guard) Fallback() string { return g.fallback }

// Decide evaluates one navigation to path (no query string).
// requestURI is echoed back in the redirect as redirect_uri.
func (g *Guard) Decide(path, requestURI string, pass Pass, sess SessionState) Decision {
	if g.isPublic(path) {
		return Decision{Outcome: OutcomeAllow}
	}
	if !g.isProtected(path) {
		return Decision{Outcome: OutcomeAllow}
	}
	if pass == PassServer {
		return Decision{Outcome: OutcomeDeferred, Protected: true}
	}
	if sess != nil && sess.IsAuthenticated() {
		return Decision{Outcome: OutcomeAllow, Protected: true}
	}
	return Decision{
		Outcome:   OutcomeRedirect,
		Protected: true,
		Location:  g.fallbackURL(requestURI),
	}
}

func (g *Guard) fallbackURL(requestURI string) string {
	if requestURI == "" || requestURI == "/" {
		return g.fallback
	}
	sep := "?"
	if strings.Contains(g.fallback, "?") {
		sep = "&"
	}
	return g.fallback + sep + "redirect_uri=" + url.QueryEscape(requestURI)
}

func (g *Guard) isPublic(path string) bool {
	for _, r := range g.routes {
		if r.Public && r.matches(path) {
			return true
		}
	}
	return false
}

func (g *Guard) isProtected(path string) bool {
	if path == "/" || path == "" {
		return true
	}
	for _, r := range g.routes {
		if r.RequiresAuth && r.matches(path) {
			return true
		}
	}
	return false
}

func compile(r Route) compiledRoute {
	p := r.Pattern
	prefix := false
	if strings.HasSuffix(p, "/*") {
		prefix = true
		p = strings.TrimSuffix(p, "/*")
	}
	return compiledRoute{Route: r, segments: splitPath(p), prefix: prefix}
}

func (c compiledRoute) matches(path string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	got := splitPath(path)
	if len(got) < len(c.segments) || (!c.prefix && len(got) != len(c.segments)) {
		return false
	}
	for i, want := range c.segments {
		if strings.HasPrefix(want, "{") && strings.HasSuffix(want, "}") {
			continue
		}
		if got[i] != want {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
