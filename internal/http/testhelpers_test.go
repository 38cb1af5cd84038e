package httpx

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	medportal "github.com/santeplus/medportal"
	"github.com/santeplus/medportal/internal/adapters/backend"
	"github.com/santeplus/medportal/internal/adapters/credstore"
	"github.com/santeplus/medportal/internal/domain/guard"
	fakes "github.com/santeplus/medportal/internal/mocks/auth"
	"github.com/santeplus/medportal/internal/observability/statsd"
	"github.com/santeplus/medportal/internal/service"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeMedical is a hand-written MedicalBackend double.
type fakeMedical struct {
	PatientsFunc       func(ctx context.Context, hospitalID int64) (backend.PatientsResponse, error)
	PatientDetailsFunc func(ctx context.Context, patientID string, hospitalID int64) (backend.PatientDetails, error)
	DicomServerURLFunc func(ctx context.Context, hospitalID int64) (string, error)
}

func (f *fakeMedical) Patients(ctx context.Context, hospitalID int64) (backend.PatientsResponse, error) {
	if f.PatientsFunc != nil {
		return f.PatientsFunc(ctx, hospitalID)
	}
	return backend.PatientsResponse{}, nil
}

func (f *fakeMedical) PatientDetails(ctx context.Context, patientID string, hospitalID int64) (backend.PatientDetails, error) {
	if f.PatientDetailsFunc != nil {
		return f.PatientDetailsFunc(ctx, patientID, hospitalID)
	}
	return backend.PatientDetails{PatientID: patientID}, nil
}

func (f *fakeMedical) DicomServerURL(ctx context.Context, hospitalID int64) (string, error) {
	if f.DicomServerURLFunc != nil {
		return f.DicomServerURLFunc(ctx, hospitalID)
	}
	return "", nil
}

// outcomes lists counters as "name:outcome" for guard assertions.
func outcomes(r *statsd.Recorder) []string {
	var out []string
	for _, p := range r.Points() {
		if p.Kind == "c" {
			out = append(out, p.Name+":"+p.Tags["outcome"])
		}
	}
	return out
}

type routerFixture struct {
	handler http.Handler
	store   *fakes.FlakyStore
	backend *fakes.FakeBackend
	medical *fakeMedical
	mgr     *service.SessionManager
	metrics *statsd.Recorder
}

func testRenderer(t *testing.T) *TemplateRenderer {
	t.Helper()
	sub, err := fs.Sub(medportal.TemplateFS, "frontend/templates")
	require.NoError(t, err)
	rd, err := NewTemplateRenderer(TemplateRendererConfig{TemplateFS: sub, Logger: discardLogger()})
	require.NoError(t, err)
	return rd
}

func newRouterFixture(t *testing.T, orthanc http.Handler) routerFixture {
	t.Helper()
	store := fakes.NewFlakyStore(credstore.NewMemoryStore(time.Hour, nil))
	be := fakes.NewFakeBackend()
	mgr, err := service.NewSessionManager(service.SessionManagerOptions{
		Store:         store,
		Backend:       be,
		LogoutTimeout: 50 * time.Millisecond,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	g, err := guard.Default()
	require.NoError(t, err)
	static, err := fs.Sub(medportal.StaticFS, "frontend/static")
	require.NoError(t, err)

	med := &fakeMedical{}
	sink := &statsd.Recorder{}
	h, err := NewRouter(RouterServices{
		Sessions: mgr,
		Medical:  med,
		Guard:    g,
		Renderer: testRenderer(t),
		Orthanc:  orthanc,
		StaticFS: static,
		Cookie:   ContextCookieConfig{CookieName: DefaultContextCookieName},
		Logger:   discardLogger(),
		Metrics:  sink,
	})
	require.NoError(t, err)
	return routerFixture{handler: h, store: store, backend: be, medical: med, mgr: mgr, metrics: sink}
}

// browser is a minimal cookie-carrying client against an in-process handler.
type browser struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, h http.Handler) *browser {
	return &browser{t: t, h: h, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	b.t.Helper()
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html")
	}
	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) get(path string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (b *browser) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	if c, ok := b.cookies[DefaultCSRFCookieName]; ok {
		form.Set(DefaultCSRFFormField, c.Value)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

// login signs the browser in as the reference account.
func (b *browser) login() {
	b.t.Helper()
	b.get("/login")
	rec := b.postForm("/login", url.Values{"username": {"uori"}, "password": {"motdepasse"}})
	require.Equal(b.t, http.StatusSeeOther, rec.Code, rec.Body.String())
}

func (b *browser) contextKey() string {
	if c, ok := b.cookies[DefaultContextCookieName]; ok {
		return c.Value
	}
	return ""
}
