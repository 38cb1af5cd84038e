package httpx

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/httpclient"
	"github.com/santeplus/medportal/internal/service"
)

const (
	loginPath     = "/login"
	signedOutPath = "/auth/signed-out"
)

// AuthHandlers serves the login surface and the session status endpoint.
type AuthHandlers struct {
	Sessions SessionService
	Renderer *TemplateRenderer
	Logger   *slog.Logger
}

type loginForm struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

type loginPageData struct {
	Username    string
	RedirectURI string
}

// LoginPage serves GET /login. An already authenticated session goes
// straight to its redirect target.
func (h *AuthHandlers) LoginPage(w http.ResponseWriter, r *http.Request) {
	target := safeRedirectPath(r.URL.Query().Get("redirect_uri"))
	if !IsAnonymous(r.Context()) {
		redirect(w, r, target)
		return
	}
	h.renderLogin(w, r, http.StatusOK, loginPageData{RedirectURI: target}, "")
}

// Login serves POST /login with a form or JSON body.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	form, ok := h.decodeLogin(w, r)
	if !ok {
		return
	}
	target := safeRedirectPath(form.RedirectURI)

	res, err := h.Sessions.Login(r.Context(), sess, form.Username, form.Password)
	if err != nil {
		h.loginFailed(w, r, form, err)
		return
	}

	h.Logger.InfoContext(r.Context(), "login succeeded",
		slog.String("ctx_key", sess.Key()),
		slog.String("username", form.Username),
		slog.Bool("profile_loaded", res.ProfileLoaded))

	if !IsBrowserRequest(r) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"authenticated":     true,
			"roles":             res.Roles,
			"user":              res.User,
			"profile_loaded":    res.ProfileLoaded,
			"storage_available": sess.StorageAvailable(),
			"redirect":          target,
		})
		return
	}
	redirect(w, r, target)
}

func (h *AuthHandlers) decodeLogin(w http.ResponseWriter, r *http.Request) (loginForm, bool) {
	var form loginForm
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		return form, DecodeJSON(w, r, &form)
	}
	if err := r.ParseForm(); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_form", Err: err})
		return form, false
	}
	form.Username = r.PostFormValue("username")
	form.Password = r.PostFormValue("password")
	form.RedirectURI = r.PostFormValue("redirect_uri")
	return form, true
}

func (h *AuthHandlers) loginFailed(w http.ResponseWriter, r *http.Request, form loginForm, err error) {
	status, _ := StatusForError(err)
	key, _ := httpclient.ContextKeyFrom(r.Context())
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.Logger.Log(r.Context(), level, "login failed",
		slog.String("ctx_key", key),
		slog.String("username", form.Username),
		slog.Any("error", err))

	if !IsBrowserRequest(r) {
		WriteAppError(w, err)
		return
	}
	data := loginPageData{Username: form.Username, RedirectURI: safeRedirectPath(form.RedirectURI)}
	h.renderLogin(w, r, status, data, loginMessage(err))
}

// loginMessage is the text shown on the login form for a failed attempt.
func loginMessage(err error) string {
	switch {
	case apperrors.IsValidation(err):
		return "Veuillez saisir votre nom d'utilisateur et votre mot de passe."
	case errors.Is(err, service.ErrInvalidCredentials):
		return "Nom d'utilisateur ou mot de passe incorrect."
	case errors.Is(err, service.ErrLoginInProgress):
		return "Une connexion est déjà en cours. Veuillez patienter."
	case errors.Is(err, service.ErrBackendUnavailable), apperrors.IsUnavailable(err), apperrors.IsTimeout(err):
		return "Le service d'authentification est indisponible. Réessayez plus tard."
	default:
		return "La connexion a échoué. Réessayez plus tard."
	}
}

func (h *AuthHandlers) renderLogin(w http.ResponseWriter, r *http.Request, status int, form loginPageData, flash string) {
	data := basePageData(r, "login", PageMeta{Title: "Connexion"})
	data.Flash = flash
	data.Data = form
	renderPage(w, r, h.Renderer, status, data)
}

// Logout serves POST /logout. The local session is cleared even when the
// backend cannot be told; only a storage failure is reported.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.Sessions.Logout(r.Context(), sess); err != nil {
		h.Logger.ErrorContext(r.Context(), "logout could not clear stored credentials",
			slog.String("ctx_key", sess.Key()),
			slog.Any("error", err))
		if !IsBrowserRequest(r) {
			WriteAppError(w, err)
			return
		}
		renderErrorPage(w, r, h.Renderer, http.StatusBadGateway,
			"La déconnexion n'a pas pu être enregistrée. Fermez votre navigateur pour terminer la session.")
		return
	}

	if !IsBrowserRequest(r) {
		WriteJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		return
	}
	redirect(w, r, signedOutPath)
}

// Status serves GET /auth/status. A session holding a token but no profile
// gets one refresh attempt first.
func (h *AuthHandlers) Status(w http.ResponseWriter, r *http.Request) {
	if sess, ok := GetSessionFromContext(r.Context()); ok {
		ensureProfile(r, h.Sessions, sess, h.Logger)
	}
	WriteJSON(w, http.StatusOK, authView(r))
}

// SignedOut serves GET /auth/signed-out.
func (h *AuthHandlers) SignedOut(w http.ResponseWriter, r *http.Request) {
	data := basePageData(r, "signed-out", PageMeta{Title: "Déconnecté"})
	target := loginPath
	if next := r.URL.Query().Get("redirect_uri"); next != "" {
		target += "?redirect_uri=" + url.QueryEscape(safeRedirectPath(next))
	}
	data.Data = map[string]string{"LoginURL": target}
	renderPage(w, r, h.Renderer, http.StatusOK, data)
}

func (h *AuthHandlers) session(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sess, ok := GetSessionFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "no_session",
			Err:     errors.New("browsing context not identified"),
		})
		return nil, false
	}
	return sess, true
}

// ensureProfile loads the user record for a session that has a token but
// no profile. Failures are logged; the caller renders with what it has.
func ensureProfile(r *http.Request, sessions SessionService, sess *service.Session, logger *slog.Logger) {
	if !sess.IsAuthenticated() || sess.ProfileLoaded() {
		return
	}
	if err := sessions.RefreshProfile(r.Context(), sess, ""); err != nil {
		logger.WarnContext(r.Context(), "profile refresh failed",
			slog.String("ctx_key", sess.Key()),
			slog.Any("error", err))
	}
}
