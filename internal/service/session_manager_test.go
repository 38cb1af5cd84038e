package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/santeplus/medportal/internal/adapters/credstore"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/httpclient"
	"github.com/santeplus/medportal/internal/mocks"
	fakes "github.com/santeplus/medportal/internal/mocks/auth"
	"github.com/santeplus/medportal/internal/ports"
	"github.com/santeplus/medportal/internal/testutil"
)

const testKey = "ctx-1"

type managerFixture struct {
	mgr     *SessionManager
	store   *credstore.MemoryStore
	flaky   *fakes.FlakyStore
	backend *fakes.FakeBackend
}

func newManagerFixture(t *testing.T) managerFixture {
	t.Helper()
	store := credstore.NewMemoryStore(time.Hour, nil)
	flaky := fakes.NewFlakyStore(store)
	backend := fakes.NewFakeBackend()
	mgr, err := NewSessionManager(SessionManagerOptions{
		Store:         flaky,
		Backend:       backend,
		LogoutTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return managerFixture{mgr: mgr, store: store, flaky: flaky, backend: backend}
}

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestNewSessionManager_RequiresDependencies(t *testing.T) {
	_, err := NewSessionManager(SessionManagerOptions{Backend: fakes.NewFakeBackend()})
	require.Error(t, err)
	_, err = NewSessionManager(SessionManagerOptions{Store: credstore.Unavailable{}})
	require.Error(t, err)
}

func TestLogin_ReferenceAccount(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	sess := f.mgr.Open(ctx, testKey)
	require.False(t, sess.IsAuthenticated())

	res, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)

	assert.Equal(t, "abc123", res.Token)
	assert.Equal(t, []domainauth.Role{domainauth.RoleProfessionnel}, res.Roles)
	assert.True(t, res.ProfileLoaded)
	require.NotNil(t, res.User)
	assert.Equal(t, "Jean", res.User.FirstName)

	assert.True(t, sess.IsAuthenticated())
	assert.Equal(t, "abc123", sess.Token())
	assert.True(t, sess.HasRole(domainauth.RoleProfessionnel))
	assert.False(t, sess.HasRole(domainauth.RoleAdmin))
	require.NotNil(t, sess.CurrentUser())
	assert.Equal(t, "Jean", sess.CurrentUser().FirstName)

	// A fresh mirror (page reload) sees the same triple.
	reloaded := f.mgr.Open(ctx, testKey)
	assert.Equal(t, "abc123", reloaded.Token())
	assert.Equal(t, sess.Roles(), reloaded.Roles())
	assert.Equal(t, sess.CurrentUser(), reloaded.CurrentUser())
	assert.Equal(t, "uori", reloaded.LoginName())
}

func TestLogin_InvalidCredentialsWritesNothing(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)

	_, err := f.mgr.Login(ctx, sess, "uori", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.True(t, apperrors.IsInvalidCredentials(err))

	assert.False(t, sess.IsAuthenticated())
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, int32(0), f.backend.FetchUserCalls.Load())
}

func TestLogin_BackendFailuresAreUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "server error", err: apperrors.Unavailable("backend returned 503")},
		{name: "timeout", err: context.DeadlineExceeded},
		{name: "network", err: errors.New("dial tcp: connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			f.backend.LoginFunc = func(context.Context, ports.LoginRequest) (ports.LoginResponse, error) {
				return ports.LoginResponse{}, tt.err
			}
			ctx := context.Background()
			sess := f.mgr.Open(ctx, testKey)

			_, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
			assert.ErrorIs(t, err, ErrBackendUnavailable)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 0, f.store.Len())
			assert.False(t, sess.IsAuthenticated())
		})
	}
}

func TestLogin_Validation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)

	_, err := f.mgr.Login(ctx, sess, "  ", "motdepasse")
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "username", apperrors.GetField(err))

	_, err = f.mgr.Login(ctx, sess, "uori", "")
	assert.Equal(t, "password", apperrors.GetField(err))

	_, err = f.mgr.Login(ctx, f.mgr.Open(ctx, ""), "uori", "motdepasse")
	assert.Error(t, err)
	assert.Equal(t, int32(0), f.backend.LoginCalls.Load())
}

func TestLogin_ProfileFailureStillSucceeds(t *testing.T) {
	f := newManagerFixture(t)
	f.backend.FetchUserFunc = func(context.Context, string, string) (domainauth.BackendUser, error) {
		return domainauth.BackendUser{}, apperrors.Unavailable("backend returned 502")
	}
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)

	res, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)
	assert.False(t, res.ProfileLoaded)
	assert.Nil(t, res.User)
	assert.Equal(t, "abc123", res.Token)

	assert.True(t, sess.IsAuthenticated())
	assert.Nil(t, sess.CurrentUser())
	assert.False(t, sess.ProfileLoaded())

	stored, err := f.store.Load(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "abc123", stored.Token)
	assert.Nil(t, stored.User)
}

func TestLogin_TokenWithoutProfileWindowIsObservable(t *testing.T) {
	f := newManagerFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.FetchUserFunc = func(context.Context, string, string) (domainauth.BackendUser, error) {
		close(entered)
		<-release
		return testutil.JeanDupont(), nil
	}
	ctx := context.Background()

	done := make(chan domainauth.LoginResult, 1)
	go func() {
		res, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
		assert.NoError(t, err)
		done <- res
	}()

	<-entered
	mid := f.mgr.Open(ctx, testKey)
	assert.True(t, mid.IsAuthenticated())
	assert.True(t, mid.HasRole(domainauth.RoleProfessionnel))
	assert.Nil(t, mid.CurrentUser())

	close(release)
	res := <-done
	assert.True(t, res.ProfileLoaded)

	after := f.mgr.Open(ctx, testKey)
	require.NotNil(t, after.CurrentUser())
	assert.Equal(t, "Jean", after.CurrentUser().FirstName)
}

func TestLogin_SerializedPerContext(t *testing.T) {
	f := newManagerFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.LoginFunc = func(_ context.Context, req ports.LoginRequest) (ports.LoginResponse, error) {
		if req.Username == "uori" {
			once.Do(func() { close(entered) })
			<-release
		}
		return ports.LoginResponse{Token: "tok-" + req.Username}, nil
	}
	f.backend.FetchUserFunc = func(context.Context, string, string) (domainauth.BackendUser, error) {
		return testutil.JeanDupont(), nil
	}
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
		errCh <- err
	}()
	<-entered

	_, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "other", "pw")
	assert.ErrorIs(t, err, ErrLoginInProgress)
	assert.True(t, apperrors.IsConflict(err))

	// Another browsing context is unaffected.
	_, err = f.mgr.Login(ctx, f.mgr.Open(ctx, "ctx-2"), "other", "pw")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-errCh)

	assert.Equal(t, "tok-uori", f.mgr.Open(ctx, testKey).Token())
	assert.Equal(t, "tok-other", f.mgr.Open(ctx, "ctx-2").Token())

	// The slot is released once the login completes.
	_, err = f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "other", "pw")
	require.NoError(t, err)
}

func TestLogin_StoresTokenExpiry(t *testing.T) {
	f := newManagerFixture(t)
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	token := signedToken(t, "uori", exp)
	f.backend.AddAccount("uori", fakes.Account{
		Password: "motdepasse",
		Token:    token,
		Roles:    []domainauth.Role{domainauth.RoleProfessionnel},
		User:     testutil.JeanDupont(),
	})
	ctx := context.Background()

	_, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
	require.NoError(t, err)

	stored, err := f.store.Load(ctx, testKey)
	require.NoError(t, err)
	assert.WithinDuration(t, exp, stored.ExpiresAt, time.Second)
}

func TestLogin_SaveFailureSkipsProfile(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockCredentialStore(ctrl)
	backend := mocks.NewMockAuthBackend(ctrl)
	mgr, err := NewSessionManager(SessionManagerOptions{Store: store, Backend: backend})
	require.NoError(t, err)

	ctx := context.Background()
	boom := apperrors.Unavailable("redis down")
	backend.EXPECT().
		Login(gomock.Any(), ports.LoginRequest{Username: "uori", Password: "motdepasse"}).
		Return(ports.LoginResponse{Token: "abc123", Roles: []domainauth.Role{domainauth.RoleProfessionnel}}, nil)
	store.EXPECT().
		Save(gomock.Any(), testKey, gomock.Any()).
		Return(boom)

	sess := NewSession(testKey, domainauth.Credentials{})
	_, err = mgr.Login(ctx, sess, "uori", "motdepasse")
	assert.ErrorIs(t, err, boom)
	assert.False(t, sess.IsAuthenticated())
}

func TestLogin_UnavailableStoreKeepsMirror(t *testing.T) {
	mgr, err := NewSessionManager(SessionManagerOptions{
		Store:   credstore.Unavailable{},
		Backend: fakes.NewFakeBackend(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	sess := mgr.Open(ctx, testKey)
	assert.False(t, sess.StorageAvailable())

	res, err := mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)
	assert.True(t, res.ProfileLoaded)
	assert.True(t, sess.IsAuthenticated())
	require.NotNil(t, sess.CurrentUser())
}

func TestLogout_ClearsEverything(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)
	_, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Logout(ctx, sess))

	assert.False(t, sess.IsAuthenticated())
	assert.Empty(t, sess.Token())
	assert.Empty(t, sess.Roles())
	assert.Nil(t, sess.CurrentUser())
	assert.True(t, f.backend.Revoked("abc123"))

	stored, err := f.store.Load(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, stored.IsZero())

	// Idempotent.
	require.NoError(t, f.mgr.Logout(ctx, sess))
}

func TestLogout_BackendFailureIgnored(t *testing.T) {
	f := newManagerFixture(t)
	f.backend.LogoutFunc = func(context.Context, string) error {
		return apperrors.Unavailable("backend returned 500")
	}
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)
	_, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Logout(ctx, sess))
	assert.False(t, f.mgr.Open(ctx, testKey).IsAuthenticated())
}

func TestLogout_HangingBackendIsBounded(t *testing.T) {
	f := newManagerFixture(t)
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	f.backend.LogoutFunc = func(context.Context, string) error {
		<-hang
		return nil
	}
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)
	_, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, f.mgr.Logout(ctx, sess))
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, sess.IsAuthenticated())
	assert.False(t, f.mgr.Open(ctx, testKey).IsAuthenticated())
}

func TestLogout_StaleMirrorStillRevokesStoredToken(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	stale := f.mgr.Open(ctx, testKey)

	_, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Logout(ctx, stale))
	assert.True(t, f.backend.Revoked("abc123"))
	assert.False(t, f.mgr.Open(ctx, testKey).IsAuthenticated())
}

func TestLogout_ClearFailureReported(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)
	_, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)

	boom := errors.New("disk full")
	f.flaky.FailClear(boom)

	err = f.mgr.Logout(ctx, sess)
	assert.ErrorIs(t, err, boom)
	assert.False(t, sess.IsAuthenticated())
}

func TestLogout_RacingLoginDoesNotResurrect(t *testing.T) {
	f := newManagerFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.FetchUserFunc = func(context.Context, string, string) (domainauth.BackendUser, error) {
		close(entered)
		<-release
		return testutil.JeanDupont(), nil
	}
	ctx := context.Background()

	done := make(chan domainauth.LoginResult, 1)
	go func() {
		res, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
		assert.NoError(t, err)
		done <- res
	}()
	<-entered

	require.NoError(t, f.mgr.Logout(ctx, f.mgr.Open(ctx, testKey)))
	close(release)

	res := <-done
	assert.False(t, res.ProfileLoaded)
	assert.False(t, f.mgr.Open(ctx, testKey).IsAuthenticated())
}

func TestOpen_StorageUnavailable(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
	require.NoError(t, err)

	f.flaky.SetDown(true)
	sess := f.mgr.Open(ctx, testKey)
	assert.False(t, sess.StorageAvailable())
	assert.False(t, sess.IsAuthenticated())

	f.flaky.SetDown(false)
	f.flaky.FailLoad(errors.New("read timeout"))
	sess = f.mgr.Open(ctx, testKey)
	assert.False(t, sess.StorageAvailable())
	assert.False(t, sess.IsAuthenticated())

	f.flaky.FailLoad(nil)
	sess = f.mgr.Open(ctx, testKey)
	assert.True(t, sess.StorageAvailable())
	assert.True(t, sess.IsAuthenticated())
}

func TestOpen_CorruptUserIsAnonymous(t *testing.T) {
	f := newManagerFixture(t)
	f.store.PutRecord(testKey, credstore.Record{Token: "abc123", Roles: `["PROFESSIONNEL"]`, User: "{not json"})

	sess := f.mgr.Open(context.Background(), testKey)
	assert.True(t, sess.StorageAvailable())
	assert.False(t, sess.IsAuthenticated())
	assert.Equal(t, 0, f.store.Len())
}

func TestTokenFor(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
	require.NoError(t, err)

	tok, err := f.mgr.TokenFor(httpclient.WithContextKey(ctx, testKey))
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)

	tok, err = f.mgr.TokenFor(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)

	tok, err = f.mgr.TokenFor(httpclient.WithContextKey(ctx, "unknown"))
	require.NoError(t, err)
	assert.Empty(t, tok)

	f.flaky.FailLoad(errors.New("read timeout"))
	_, err = f.mgr.TokenFor(httpclient.WithContextKey(ctx, testKey))
	assert.Error(t, err)
}

func TestRefreshProfile(t *testing.T) {
	f := newManagerFixture(t)
	fail := true
	f.backend.FetchUserFunc = func(_ context.Context, token, username string) (domainauth.BackendUser, error) {
		if fail {
			return domainauth.BackendUser{}, apperrors.Unavailable("down")
		}
		assert.Equal(t, "abc123", token)
		assert.Equal(t, "uori", username)
		return testutil.JeanDupont(), nil
	}
	ctx := context.Background()
	sess := f.mgr.Open(ctx, testKey)
	res, err := f.mgr.Login(ctx, sess, "uori", "motdepasse")
	require.NoError(t, err)
	require.False(t, res.ProfileLoaded)

	fail = false
	require.NoError(t, f.mgr.RefreshProfile(ctx, sess, "uori"))
	require.NotNil(t, sess.CurrentUser())
	assert.Equal(t, "Dupont", sess.CurrentUser().LastName)
	assert.NotNil(t, f.mgr.Open(ctx, testKey).CurrentUser())
}

func TestRefreshProfile_UsesTokenSubject(t *testing.T) {
	f := newManagerFixture(t)
	token := signedToken(t, "uori", time.Now().Add(time.Hour))
	sess := NewSession(testKey, domainauth.Credentials{Token: token})
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, testKey, domainauth.Credentials{Token: token}))

	f.backend.FetchUserFunc = func(_ context.Context, _ string, username string) (domainauth.BackendUser, error) {
		assert.Equal(t, "uori", username)
		return testutil.JeanDupont(), nil
	}

	require.NoError(t, f.mgr.RefreshProfile(ctx, sess, ""))
	assert.True(t, sess.ProfileLoaded())
}

func TestRefreshProfile_OpaqueTokenUsesLoginName(t *testing.T) {
	f := newManagerFixture(t)
	down := true
	f.backend.FetchUserFunc = func(_ context.Context, token, username string) (domainauth.BackendUser, error) {
		if down {
			return domainauth.BackendUser{}, apperrors.Unavailable("down")
		}
		assert.Equal(t, "abc123", token)
		assert.Equal(t, "uori", username)
		return testutil.JeanDupont(), nil
	}
	ctx := context.Background()
	res, err := f.mgr.Login(ctx, f.mgr.Open(ctx, testKey), "uori", "motdepasse")
	require.NoError(t, err)
	require.False(t, res.ProfileLoaded)

	// A later request reopens the context and retries without knowing the name.
	down = false
	sess := f.mgr.Open(ctx, testKey)
	require.Equal(t, "uori", sess.LoginName())
	require.NoError(t, f.mgr.RefreshProfile(ctx, sess, ""))
	require.True(t, sess.ProfileLoaded())
	assert.Equal(t, "Jean", sess.CurrentUser().FirstName)

	stored, err := f.store.Load(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, stored.User)
	assert.Equal(t, "uori", stored.Username)
}

func TestRefreshProfile_Errors(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	err := f.mgr.RefreshProfile(ctx, f.mgr.Open(ctx, testKey), "uori")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	opaque := NewSession(testKey, domainauth.Credentials{Token: "abc123"})
	err = f.mgr.RefreshProfile(ctx, opaque, "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestRefreshProfile_CollapsesConcurrentCalls(t *testing.T) {
	f := newManagerFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.FetchUserFunc = func(context.Context, string, string) (domainauth.BackendUser, error) {
		once.Do(func() { close(entered) })
		<-release
		return testutil.JeanDupont(), nil
	}
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, testKey, domainauth.Credentials{Token: "abc123"}))

	first := f.mgr.Open(ctx, testKey)
	second := f.mgr.Open(ctx, testKey)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.mgr.RefreshProfile(ctx, first, "uori"))
	}()
	<-entered
	go func() {
		defer wg.Done()
		assert.NoError(t, f.mgr.RefreshProfile(ctx, second, "uori"))
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.backend.FetchUserCalls.Load())
	assert.True(t, first.ProfileLoaded())
	assert.True(t, second.ProfileLoaded())
}
