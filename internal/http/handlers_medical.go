package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/santeplus/medportal/internal/adapters/backend"
	"github.com/santeplus/medportal/internal/service"
)

// MedicalHandlers serves the home page, the public advisory page and the
// patient pages.
type MedicalHandlers struct {
	Sessions SessionService
	Medical  MedicalBackend
	Renderer *TemplateRenderer
	Logger   *slog.Logger
}

type patientsPageData struct {
	HospitalName string
	Patients     []backend.Patient
	NoHospital   bool
}

type patientPageData struct {
	Patient  backend.PatientDetails
	DicomURL string
}

// Home serves GET /.
func (h *MedicalHandlers) Home(w http.ResponseWriter, r *http.Request) {
	if sess, ok := GetSessionFromContext(r.Context()); ok {
		ensureProfile(r, h.Sessions, sess, h.Logger)
	}
	renderPage(w, r, h.Renderer, http.StatusOK, basePageData(r, "home", PageMeta{Title: "Accueil"}))
}

// NotFound renders the 404 page for unrouted paths.
func (h *MedicalHandlers) NotFound(w http.ResponseWriter, r *http.Request) {
	renderErrorPage(w, r, h.Renderer, http.StatusNotFound, "Page introuvable.")
}

// Conseils serves GET /conseils, readable without a session.
func (h *MedicalHandlers) Conseils(w http.ResponseWriter, r *http.Request) {
	renderPage(w, r, h.Renderer, http.StatusOK, basePageData(r, "conseils", PageMeta{Title: "Conseils santé"}))
}

// Patients serves GET /patients for the hospital of the signed-in user.
func (h *MedicalHandlers) Patients(w http.ResponseWriter, r *http.Request) {
	sess, ok := GetSessionFromContext(r.Context())
	if !ok {
		renderErrorPage(w, r, h.Renderer, http.StatusUnauthorized, "Session introuvable.")
		return
	}
	ensureProfile(r, h.Sessions, sess, h.Logger)

	data := basePageData(r, "patients", PageMeta{Title: "Patients"})
	hospitalID := hospitalOf(sess)
	if hospitalID == 0 {
		data.Data = patientsPageData{NoHospital: true}
		renderPage(w, r, h.Renderer, http.StatusOK, data)
		return
	}

	list, err := h.Medical.Patients(r.Context(), hospitalID)
	if err != nil {
		h.backendFailed(w, r, sess, err)
		return
	}
	data.Data = patientsPageData{HospitalName: list.HospitalName, Patients: list.Patients}
	renderPage(w, r, h.Renderer, http.StatusOK, data)
}

// Patient serves GET /patients/{id}. The patient record and the imaging
// server URL are loaded concurrently; a missing imaging URL only hides the
// viewer link.
func (h *MedicalHandlers) Patient(w http.ResponseWriter, r *http.Request) {
	sess, ok := GetSessionFromContext(r.Context())
	if !ok {
		renderErrorPage(w, r, h.Renderer, http.StatusUnauthorized, "Session introuvable.")
		return
	}
	ensureProfile(r, h.Sessions, sess, h.Logger)

	patientID := strings.TrimSpace(r.PathValue("id"))
	if patientID == "" {
		renderErrorPage(w, r, h.Renderer, http.StatusNotFound, "Patient introuvable.")
		return
	}
	hospitalID := hospitalOf(sess)

	var (
		details  backend.PatientDetails
		dicomURL string
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		details, err = h.Medical.PatientDetails(ctx, patientID, hospitalID)
		return err
	})
	if hospitalID > 0 {
		g.Go(func() error {
			u, err := h.Medical.DicomServerURL(ctx, hospitalID)
			if err != nil {
				if backend.IsUnauthorized(err) {
					return err
				}
				h.Logger.WarnContext(ctx, "imaging server URL unavailable",
					slog.String("ctx_key", sess.Key()),
					slog.Int64("hospital_id", hospitalID),
					slog.Any("error", err))
				return nil
			}
			dicomURL = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.backendFailed(w, r, sess, err)
		return
	}

	data := basePageData(r, "patient", PageMeta{Title: details.PatientName, CurrentPage: "patients"})
	data.Data = patientPageData{Patient: details, DicomURL: dicomURL}
	renderPage(w, r, h.Renderer, http.StatusOK, data)
}

// backendFailed renders a backend error. A rejected token means the stored
// session is stale: it is cleared and the user is sent back to login.
func (h *MedicalHandlers) backendFailed(w http.ResponseWriter, r *http.Request, sess *service.Session, err error) {
	if backend.IsUnauthorized(err) {
		h.Logger.WarnContext(r.Context(), "backend rejected session token; signing out",
			slog.String("ctx_key", sess.Key()),
			slog.String("path", r.URL.Path))
		// The request context may already be done if the client left.
		if lerr := h.Sessions.Logout(context.WithoutCancel(r.Context()), sess); lerr != nil {
			h.Logger.ErrorContext(r.Context(), "clearing stale session failed",
				slog.String("ctx_key", sess.Key()),
				slog.Any("error", lerr))
		}
		if !IsBrowserRequest(r) {
			WriteAppError(w, err)
			return
		}
		redirect(w, r, loginPath+"?redirect_uri="+url.QueryEscape(redirectPathForRequest(r)))
		return
	}

	status, _ := StatusForError(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.Logger.Log(r.Context(), level, "backend request failed",
		slog.String("ctx_key", sess.Key()),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	renderErrorPage(w, r, h.Renderer, status, backendMessage(status))
}

func backendMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "La ressource demandée est introuvable."
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return "Le serveur médical ne répond pas. Réessayez plus tard."
	case http.StatusBadRequest:
		return "La requête a été refusée par le serveur médical."
	default:
		return "Une erreur inattendue est survenue."
	}
}

func hospitalOf(sess *service.Session) int64 {
	u := sess.CurrentUser()
	if u == nil || u.Hospital == nil {
		return 0
	}
	return u.Hospital.ID
}
