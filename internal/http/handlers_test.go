package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santeplus/medportal/internal/adapters/backend"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	apperrors "github.com/santeplus/medportal/internal/errors"
	fakes "github.com/santeplus/medportal/internal/mocks/auth"
	"github.com/santeplus/medportal/internal/ports"
	"github.com/santeplus/medportal/internal/testutil"
)

func statusOf(t *testing.T, b *browser) AuthView {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	req.Header.Set("Accept", "application/json")
	rec := b.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var v AuthView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestLoginFlow_ReferenceAccount(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)

	rec := b.get("/patients")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/login?redirect_uri=%2Fpatients", rec.Header().Get("Location"))

	rec = b.get("/login?redirect_uri=%2Fpatients")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="redirect_uri" value="/patients"`)

	rec = b.postForm("/login", url.Values{
		"username":     {"uori"},
		"password":     {"motdepasse"},
		"redirect_uri": {"/patients"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "/patients", rec.Header().Get("Location"))

	v := statusOf(t, b)
	assert.True(t, v.Authenticated)
	assert.Equal(t, []domainauth.Role{domainauth.RoleProfessionnel}, v.Roles)
	require.NotNil(t, v.User)
	assert.Equal(t, "Jean", v.User.FirstName)
	assert.True(t, v.ProfileLoaded)

	creds, err := f.store.Load(context.Background(), b.contextKey())
	require.NoError(t, err)
	assert.Equal(t, "abc123", creds.Token)
}

func TestLogin_InvalidCredentialsRendersForm(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.get("/login")

	rec := b.postForm("/login", url.Values{"username": {"uori"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Nom d&#39;utilisateur ou mot de passe incorrect.")
	assert.Contains(t, rec.Body.String(), `value="uori"`)
	assert.False(t, statusOf(t, b).Authenticated)
}

func TestLogin_RejectsOffsiteRedirect(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.get("/login")

	rec := b.postForm("/login", url.Values{
		"username":     {"uori"},
		"password":     {"motdepasse"},
		"redirect_uri": {"https://evil.example/phish"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestLogin_JSONClient(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f routerFixture)
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "success",
			body:       `{"username":"uori","password":"motdepasse"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing password",
			body:       `{"username":"uori"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation",
		},
		{
			name:       "invalid credentials",
			body:       `{"username":"uori","password":"nope"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_credentials",
		},
		{
			name: "backend down",
			setup: func(f routerFixture) {
				f.backend.LoginFunc = func(context.Context, ports.LoginRequest) (ports.LoginResponse, error) {
					return ports.LoginResponse{}, apperrors.Unavailable("connection refused")
				}
			},
			body:       `{"username":"uori","password":"motdepasse"}`,
			wantStatus: http.StatusBadGateway,
			wantCode:   "unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			b := newBrowser(t, f.handler)
			b.get("/login")

			req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set(DefaultCSRFHeaderName, b.cookies[DefaultCSRFCookieName].Value)
			rec := b.do(req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["error"])
				assert.NotContains(t, body["message"], "connection refused", "causes stay server-side")
			} else {
				assert.Equal(t, true, body["authenticated"])
			}
		})
	}
}

func TestLogin_WithoutCSRFTokenIsForbidden(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=uori&password=motdepasse"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := b.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, int32(0), f.backend.LoginCalls.Load())
}

func TestLoginPage_AuthenticatedRedirects(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/login?redirect_uri=%2Fconseils")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/conseils", rec.Header().Get("Location"))
}

func TestLogout_ClearsSession(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.postForm("/logout", url.Values{})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, signedOutPath, rec.Header().Get("Location"))

	assert.False(t, statusOf(t, b).Authenticated)
	creds, err := f.store.Load(context.Background(), b.contextKey())
	require.NoError(t, err)
	assert.True(t, creds.IsZero())

	rec = b.get("/")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestLogout_StorageFailureReported(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.login()
	f.store.FailClear(errors.New("disk full"))

	rec := b.postForm("/logout", url.Values{})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "déconnexion")
}

func TestSignedOutPage_CarriesRedirect(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	rec := b.get("/auth/signed-out?redirect_uri=%2Fpatients")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="/login?redirect_uri=%2Fpatients"`)
}

func TestHome_RefreshesMissingProfile(t *testing.T) {
	f := newRouterFixture(t, nil)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "claire",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	f.backend.AddAccount("claire", fakes.Account{
		Password: "pw",
		Token:    tok,
		Roles:    []domainauth.Role{domainauth.RoleProfessionnel},
		User:     domainauth.BackendUser{Username: "claire", FirstName: "Claire", LastName: "Martin"},
	})
	b := newBrowser(t, f.handler)
	b.get("/login")

	// A token without a user record, as left by a failed profile fetch.
	require.NoError(t, f.store.Save(context.Background(), b.contextKey(), domainauth.Credentials{
		Token: tok,
		Roles: []domainauth.Role{domainauth.RoleProfessionnel},
	}))

	rec := b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bonjour Claire Martin")

	creds, err := f.store.Load(context.Background(), b.contextKey())
	require.NoError(t, err)
	require.NotNil(t, creds.User)
	assert.Equal(t, "claire", creds.User.Username)
}

func TestHome_OpaqueTokenRetriesProfileWithLoginName(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.backend.FetchUserFunc = func(context.Context, string, string) (domainauth.BackendUser, error) {
		return domainauth.BackendUser{}, apperrors.Unavailable("profile service down")
	}
	b := newBrowser(t, f.handler)
	b.login()

	creds, err := f.store.Load(context.Background(), b.contextKey())
	require.NoError(t, err)
	require.Equal(t, "abc123", creds.Token)
	require.Nil(t, creds.User)

	f.backend.FetchUserFunc = nil
	rec := b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bonjour Jean Dupont")

	creds, err = f.store.Load(context.Background(), b.contextKey())
	require.NoError(t, err)
	require.NotNil(t, creds.User)
	assert.Equal(t, "uori", creds.User.Username)
}

func TestHome_OpaqueTokenWithoutLoginName(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.get("/login")
	require.NoError(t, f.store.Save(context.Background(), b.contextKey(), domainauth.Credentials{Token: "abc123"}))

	fetchesBefore := f.backend.FetchUserCalls.Load()
	rec := b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bienvenue")
	assert.Equal(t, fetchesBefore, f.backend.FetchUserCalls.Load())
}

func TestHome_ShowsProfile(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Bonjour Jean Dupont")
	assert.Contains(t, body, "CHU Nord")
	assert.Contains(t, body, "Professionnel de santé")
}

func TestHome_HTMXGetsFragment(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	b.login()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Hx-Request", "true")
	rec := b.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<!doctype html>")
	assert.Contains(t, rec.Body.String(), "Bonjour Jean Dupont")
}

func TestConseils_PublicPage(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	rec := b.get("/conseils")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Conseils santé")
	assert.Contains(t, rec.Body.String(), "Se connecter")
}

func TestPatients_ListsHospitalPatients(t *testing.T) {
	f := newRouterFixture(t, nil)
	var gotHospital int64
	f.medical.PatientsFunc = func(_ context.Context, hospitalID int64) (backend.PatientsResponse, error) {
		gotHospital = hospitalID
		return backend.PatientsResponse{
			HospitalID:   3,
			HospitalName: "CHU Nord",
			Patients: []backend.Patient{{
				ID:           "p-1",
				PatientName:  "MARTIN^Claire",
				PatientID:    "123",
				PatientBirth: "19800521",
				PatientSex:   "F",
				Studies:      []string{"s1", "s2"},
			}},
		}, nil
	}
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/patients")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), gotHospital)
	body := rec.Body.String()
	assert.Contains(t, body, `href="/patients/p-1"`)
	assert.Contains(t, body, "21/05/1980")
	assert.Contains(t, body, "Femme")
}

func TestPatients_NoHospital(t *testing.T) {
	f := newRouterFixture(t, nil)
	u := testutil.JeanDupont()
	u.Hospital = nil
	f.backend.FetchUserFunc = func(context.Context, string, string) (domainauth.BackendUser, error) { return u, nil }
	called := false
	f.medical.PatientsFunc = func(context.Context, int64) (backend.PatientsResponse, error) {
		called = true
		return backend.PatientsResponse{}, nil
	}
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/patients")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Body.String(), "Aucun établissement")
}

func TestPatients_RejectedTokenSignsOut(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.medical.PatientsFunc = func(context.Context, int64) (backend.PatientsResponse, error) {
		return backend.PatientsResponse{}, backend.ErrUnauthorized
	}
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/patients")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?redirect_uri=%2Fpatients", rec.Header().Get("Location"))
	assert.False(t, statusOf(t, b).Authenticated)
}

func TestPatients_BackendDownRendersError(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.medical.PatientsFunc = func(context.Context, int64) (backend.PatientsResponse, error) {
		return backend.PatientsResponse{}, apperrors.Unavailable("backend error")
	}
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/patients")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "ne répond pas")
	assert.True(t, statusOf(t, b).Authenticated, "a backend outage must not sign the user out")
}

func TestPatient_LoadsDetailsAndViewer(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.medical.PatientDetailsFunc = func(_ context.Context, patientID string, hospitalID int64) (backend.PatientDetails, error) {
		assert.Equal(t, "p-1", patientID)
		assert.Equal(t, int64(3), hospitalID)
		return backend.PatientDetails{
			PatientName:  "MARTIN^Claire",
			PatientBirth: "19800521",
			HospitalName: "CHU Nord",
			Studies: []backend.Study{{
				Description: "IRM genou",
				Date:        "20240102",
				Time:        "101500",
				Series:      []backend.Series{{Modality: "MR", Description: "T1", InstancesCount: 24}},
			}},
		}, nil
	}
	f.medical.DicomServerURLFunc = func(context.Context, int64) (string, error) {
		return "https://pacs.example.org/viewer", nil
	}
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/patients/p-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, "IRM genou")
	assert.Contains(t, body, "02/01/2024")
	assert.Contains(t, body, "10:15:00")
	assert.Contains(t, body, "https://pacs.example.org/viewer")
}

func TestPatient_ViewerFailureIsNotFatal(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.medical.DicomServerURLFunc = func(context.Context, int64) (string, error) {
		return "", apperrors.NotFound("no dicom url")
	}
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/patients/p-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Ouvrir la visionneuse")
}

func TestPatient_NotFound(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.medical.PatientDetailsFunc = func(context.Context, string, int64) (backend.PatientDetails, error) {
		return backend.PatientDetails{}, apperrors.NotFound("resource not found")
	}
	b := newBrowser(t, f.handler)
	b.login()

	rec := b.get("/patients/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndStaticBypassSession(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)

	rec := b.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, healthResponse, rec.Body.String())

	rec = b.get("/static/css/app.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, b.contextKey(), "asset requests must not allocate a browsing context")
	assert.Empty(t, outcomes(f.metrics))
}

func TestUnknownPathRenders404(t *testing.T) {
	f := newRouterFixture(t, nil)
	b := newBrowser(t, f.handler)
	rec := b.get("/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Page introuvable.")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{apperrors.InvalidCredentials("x"), http.StatusUnauthorized, "invalid_credentials"},
		{backend.ErrUnauthorized, http.StatusUnauthorized, "unauthenticated"},
		{apperrors.Validation("x"), http.StatusBadRequest, "validation"},
		{apperrors.NotFound("x"), http.StatusNotFound, "not_found"},
		{apperrors.Conflict("x"), http.StatusConflict, "conflict"},
		{apperrors.Unavailable("x"), http.StatusBadGateway, "unavailable"},
		{apperrors.Wrap(context.DeadlineExceeded, apperrors.ErrCodeTimeout, "x"), http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := StatusForError(tt.err)
		assert.Equal(t, tt.want, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
