package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	byKey map[string]string
	err   error
}

func (s staticTokens) TokenFor(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	key, ok := ContextKeyFrom(ctx)
	if !ok {
		return "", nil
	}
	return s.byKey[key], nil
}

type recorded struct {
	mu      sync.Mutex
	headers http.Header
}

func newBackend(t *testing.T) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.headers = r.Header.Clone()
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func do(t *testing.T, c *http.Client, ctx context.Context, url string, hdr map[string]string) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestBearerTransport_HeaderMatrix(t *testing.T) {
	srv, rec := newBackend(t)
	client := New(Options{Tokens: staticTokens{byKey: map[string]string{"ctx-1": "T"}}})

	withToken := WithContextKey(context.Background(), "ctx-1")
	noToken := WithContextKey(context.Background(), "ctx-2")

	tests := []struct {
		name     string
		ctx      context.Context
		path     string
		hdr      map[string]string
		wantAuth string
	}{
		{name: "login excluded with stored token", ctx: withToken, path: "/api/auth/login", wantAuth: ""},
		{name: "logout keeps caller header", ctx: withToken, path: "/api/auth/logout", hdr: map[string]string{"Authorization": "Bearer caller"}, wantAuth: "Bearer caller"},
		{name: "password reset excluded", ctx: withToken, path: "/api/emails/send-password-reset", wantAuth: ""},
		{name: "protected endpoint gets bearer", ctx: withToken, path: "/api/medical/utilisateur/uori", wantAuth: "Bearer T"},
		{name: "no stored token adds nothing", ctx: noToken, path: "/api/medical/utilisateur/uori", wantAuth: ""},
		{name: "no context key adds nothing", ctx: context.Background(), path: "/api/emails/send", wantAuth: ""},
		{name: "caller authorization replaced", ctx: withToken, path: "/api/emails/send", hdr: map[string]string{"Authorization": "Basic x"}, wantAuth: "Bearer T"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			do(t, client, tt.ctx, srv.URL+tt.path, tt.hdr)
			assert.Equal(t, tt.wantAuth, rec.headers.Get("Authorization"))
		})
	}
}

func TestBearerTransport_PreservesOtherHeaders(t *testing.T) {
	srv, rec := newBackend(t)
	client := New(Options{Tokens: staticTokens{byKey: map[string]string{"k": "T"}}})

	do(t, client, WithContextKey(context.Background(), "k"), srv.URL+"/api/medical/hopitaux/1/dicom-url",
		map[string]string{"X-Request-Id": "r-1", "Accept": "application/json"})

	assert.Equal(t, "Bearer T", rec.headers.Get("Authorization"))
	assert.Equal(t, "r-1", rec.headers.Get("X-Request-Id"))
	assert.Equal(t, "application/json", rec.headers.Get("Accept"))
}

func TestBearerTransport_DoesNotMutateCallerRequest(t *testing.T) {
	srv, _ := newBackend(t)
	client := New(Options{Tokens: staticTokens{byKey: map[string]string{"k": "T"}}})

	req, err := http.NewRequestWithContext(WithContextKey(context.Background(), "k"), http.MethodGet, srv.URL+"/api/medical/x", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestBearerTransport_TokenOverride(t *testing.T) {
	srv, rec := newBackend(t)
	client := New(Options{Tokens: staticTokens{byKey: map[string]string{"k": "stored"}}})

	ctx := WithToken(WithContextKey(context.Background(), "k"), "fresh")
	do(t, client, ctx, srv.URL+"/api/medical/utilisateur/uori", nil)
	assert.Equal(t, "Bearer fresh", rec.headers.Get("Authorization"))

	do(t, client, WithToken(ctx, ""), srv.URL+"/api/medical/utilisateur/uori", nil)
	assert.Empty(t, rec.headers.Get("Authorization"))
}

func TestBearerTransport_LookupErrorNeverFails(t *testing.T) {
	srv, rec := newBackend(t)
	client := New(Options{Tokens: staticTokens{err: errors.New("redis down")}})

	do(t, client, WithContextKey(context.Background(), "k"), srv.URL+"/api/medical/x", nil)
	assert.Empty(t, rec.headers.Get("Authorization"))
}

func TestBearerTransport_ExtraExclusionsAndPrefix(t *testing.T) {
	tr := NewBearerTransport(Options{Exclude: []string{"/api/public/", " "}})
	assert.True(t, tr.Excluded("/api/public"))
	assert.True(t, tr.Excluded("/api/auth/login/"))
	assert.False(t, tr.Excluded("/api/auth/me"))
	assert.False(t, tr.Excluded("/backend/api/auth/login"), "unknown prefixes are not excluded")

	mounted := NewBearerTransport(Options{BasePath: "/medportal/", Exclude: []string{"api/public"}})
	assert.True(t, mounted.Excluded("/medportal/api/auth/login"))
	assert.True(t, mounted.Excluded("/medportal/api/public"))
	assert.False(t, mounted.Excluded("/api/auth/login"))
}

func TestBearerTransport_AuthSuffixInOtherPathsKeepsBearer(t *testing.T) {
	srv, rec := newBackend(t)
	client := New(Options{Tokens: staticTokens{byKey: map[string]string{"k": "T"}}})

	do(t, client, WithContextKey(context.Background(), "k"),
		srv.URL+"/api/medical/hopitaux/3/orthanc/instances/x/api/auth/login", nil)
	assert.Equal(t, "Bearer T", rec.headers.Get("Authorization"))
}
