package httpx

import (
	"log/slog"
	"net/http"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/httpclient"
)

// PageMeta holds the common page metadata.
type PageMeta struct {
	Title       string
	CurrentPage string
}

// AuthView is the read-only session state exposed to templates and to
// GET /auth/status.
type AuthView struct {
	Authenticated    bool                       `json:"authenticated"`
	Roles            []domainauth.Role          `json:"roles"`
	User             *domainauth.UserEssentials `json:"user,omitempty"`
	ProfileLoaded    bool                       `json:"profile_loaded"`
	StorageAvailable bool                       `json:"storage_available"`
}

// PageData is the root value handed to every template.
type PageData struct {
	PageMeta
	// Page selects the "<Page>-content" block rendered inside the layout.
	Page      string
	CSRFToken string
	Auth      AuthView
	// Flash is a one-line error shown above the content.
	Flash string
	Data  any
}

func authView(r *http.Request) AuthView {
	sess, ok := GetSessionFromContext(r.Context())
	if !ok {
		return AuthView{Roles: []domainauth.Role{}}
	}
	return AuthView{
		Authenticated:    sess.IsAuthenticated(),
		Roles:            sess.Roles(),
		User:             sess.CurrentUser(),
		ProfileLoaded:    sess.ProfileLoaded(),
		StorageAvailable: sess.StorageAvailable(),
	}
}

func basePageData(r *http.Request, page string, meta PageMeta) PageData {
	if meta.CurrentPage == "" {
		meta.CurrentPage = page
	}
	return PageData{
		PageMeta:  meta,
		Page:      page,
		CSRFToken: GetCSRFToken(r),
		Auth:      authView(r),
	}
}

// renderPage writes data as a full page, or as the content fragment for
// htmx swaps.
func renderPage(w http.ResponseWriter, r *http.Request, rd *TemplateRenderer, status int, data PageData) {
	var err error
	if WantsPartial(r) {
		err = rd.RenderPartial(w, status, data)
	} else {
		err = rd.RenderFull(w, status, data)
	}
	if err != nil {
		logAndRenderTemplateError(w, r, rd, err)
	}
}

// renderErrorPage renders the standalone error page, or JSON for API callers.
func renderErrorPage(w http.ResponseWriter, r *http.Request, rd *TemplateRenderer, status int, message string) {
	if !IsBrowserRequest(r) {
		WriteJSON(w, status, map[string]string{"error": http.StatusText(status), "message": message})
		return
	}
	data := basePageData(r, "error", PageMeta{Title: "Erreur"})
	data.Flash = message
	data.Data = map[string]any{"Status": status, "StatusText": http.StatusText(status)}
	if err := rd.RenderError(w, status, data); err != nil {
		http.Error(w, message, status)
	}
}

func logAndRenderTemplateError(w http.ResponseWriter, r *http.Request, rd *TemplateRenderer, err error) {
	key, _ := httpclient.ContextKeyFrom(r.Context())
	rd.logger.Error("failed to render page",
		slog.String("path", r.URL.Path),
		slog.String("ctx_key", key),
		slog.Any("error", err))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
