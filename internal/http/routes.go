// Package httpx is the web front-end: the browsing-context and session
// middleware, the route guard, the login surface, the patient pages and the
// imaging proxy.
package httpx

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/santeplus/medportal/internal/domain/guard"
	"github.com/santeplus/medportal/internal/observability/statsd"
)

// RouterServices holds the dependencies wired by bootstrap.
type RouterServices struct {
	Sessions SessionService
	Medical  MedicalBackend
	Guard    *guard.Guard
	Renderer *TemplateRenderer
	// Orthanc is optional; without it /api/orthanc/ is not routed.
	Orthanc http.Handler
	// StaticFS serves /static/; nil disables static assets.
	StaticFS fs.FS
	Cookie   ContextCookieConfig
	// CSRFExempt lists path prefixes that skip CSRF validation.
	CSRFExempt []string
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

func (s RouterServices) validate() error {
	switch {
	case s.Sessions == nil:
		return errors.New("router: Sessions is required")
	case s.Medical == nil:
		return errors.New("router: Medical is required")
	case s.Guard == nil:
		return errors.New("router: Guard is required")
	case s.Renderer == nil:
		return errors.New("router: Renderer is required")
	}
	return nil
}

// NewRouter builds the front-end handler.
//
// /healthz and /static/ bypass the session chain. Every other request goes
// through, outermost first: browser detection, the context cookie, request
// logging, session loading, the route guard and CSRF validation.
func NewRouter(s RouterServices) (http.Handler, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auth := &AuthHandlers{Sessions: s.Sessions, Renderer: s.Renderer, Logger: logger}
	med := &MedicalHandlers{Sessions: s.Sessions, Medical: s.Medical, Renderer: s.Renderer, Logger: logger}

	app := http.NewServeMux()
	app.HandleFunc("GET /login", auth.LoginPage)
	app.HandleFunc("POST /login", auth.Login)
	app.HandleFunc("POST /logout", auth.Logout)
	app.HandleFunc("GET /auth/status", auth.Status)
	app.HandleFunc("GET /auth/signed-out", auth.SignedOut)
	app.HandleFunc("GET /{$}", med.Home)
	app.HandleFunc("GET /conseils", med.Conseils)
	app.HandleFunc("GET /patients", med.Patients)
	app.HandleFunc("GET /patients/{id}", med.Patient)
	if s.Orthanc != nil {
		app.Handle("/api/orthanc/{path...}", s.Orthanc)
	}
	app.HandleFunc("/", med.NotFound)

	var h http.Handler = app
	h = CSRFProtection(CSRFConfig{CookieDomain: s.Cookie.CookieDomain, Exempt: s.CSRFExempt})(h)
	h = RouteGuard(RouteGuardConfig{Guard: s.Guard, Logger: logger, Metrics: s.Metrics})(h)
	h = LoadSession(s.Sessions)(h)
	h = Logging(logger)(h)
	h = ContextCookie(s.Cookie)(h)
	h = BrowserDetection()(h)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", healthHandler)
	if s.StaticFS != nil {
		root.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(s.StaticFS)))
	}
	root.Handle("/", h)

	return Recover(logger)(root), nil
}
