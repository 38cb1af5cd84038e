package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/httpclient"
	"github.com/santeplus/medportal/internal/observability/metrics"
	"github.com/santeplus/medportal/internal/observability/statsd"
	"github.com/santeplus/medportal/internal/ports"
)

// DefaultLogoutTimeout bounds the best-effort backend logout call.
const DefaultLogoutTimeout = 3 * time.Second

// Sentinel errors returned by SessionManager. They carry AppError codes so
// callers can match with errors.Is or with the apperrors predicates.
var (
	ErrInvalidCredentials = apperrors.InvalidCredentials("invalid username or password")
	ErrBackendUnavailable = apperrors.Unavailable("authentication backend unavailable")
	ErrLoginInProgress    = apperrors.Conflict("a login is already in progress for this browsing context")
	ErrNotAuthenticated   = apperrors.Unauthenticated("not authenticated")
)

const lockStripes = 64

// SessionManagerOptions groups dependencies for SessionManager.
type SessionManagerOptions struct {
	Store         ports.CredentialStore
	Backend       ports.AuthBackend
	LogoutTimeout time.Duration // Optional: defaults to DefaultLogoutTimeout
	Metrics       statsd.Sink   // Optional: metrics sink (StatsD-compatible)
	Logger        *slog.Logger
	Now           func() time.Time // Optional: clock override for tests
}

// SessionManager owns the Anonymous/Authenticated lifecycle of every
// browsing context. It is safe for concurrent use and is constructed once.
type SessionManager struct {
	store         ports.CredentialStore
	backend       ports.AuthBackend
	logoutTimeout time.Duration
	metrics       statsd.Sink
	logger        *slog.Logger
	now           func() time.Time

	loginMu  sync.Mutex
	inflight map[string]struct{}

	// writes serializes the read-check-write of a profile against Clear for
	// the same key, so a logout racing a login cannot be undone.
	writes  [lockStripes]sync.Mutex
	refresh singleflight.Group
}

var _ ports.TokenSource = (*SessionManager)(nil)

// NewSessionManager constructs a SessionManager.
func NewSessionManager(opts SessionManagerOptions) (*SessionManager, error) {
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("auth backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.LogoutTimeout
	if timeout <= 0 {
		timeout = DefaultLogoutTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		store:         opts.Store,
		backend:       opts.Backend,
		logoutTimeout: timeout,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "session_manager"),
		now:           now,
		inflight:      make(map[string]struct{}),
	}, nil
}

// Open hydrates the mirror for key from the store. Storage failures yield an
// anonymous session marked unavailable; they are logged, never returned.
func (m *SessionManager) Open(ctx context.Context, key string) *Session {
	sess := &Session{key: key}
	if key == "" {
		return sess
	}
	if !m.store.Available(ctx) {
		sess.unavailable = true
		return sess
	}
	creds, err := m.store.Load(ctx, key)
	if err != nil {
		m.logger.WarnContext(ctx, "credential load failed", "ctx_key", key, "error", err)
		sess.unavailable = true
		return sess
	}
	sess.creds = creds
	return sess
}

// TokenFor returns the stored token for the browsing context carried by ctx.
// A context without a key has no token.
func (m *SessionManager) TokenFor(ctx context.Context) (string, error) {
	key, ok := httpclient.ContextKeyFrom(ctx)
	if !ok {
		return "", nil
	}
	creds, err := m.store.Load(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}
	return creds.Token, nil
}

// Login authenticates against the backend and persists the session.
//
// Token and roles are saved before the profile is fetched, so concurrent
// readers may observe an authenticated session without a profile until the
// second save lands. A profile failure does not fail the login; the result
// reports ProfileLoaded=false instead.
func (m *SessionManager) Login(ctx context.Context, sess *Session, username, password string) (domainauth.LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domainauth.LoginResult{}, apperrors.ValidationField("username", "username is required")
	}
	if password == "" {
		return domainauth.LoginResult{}, apperrors.ValidationField("password", "password is required")
	}
	if sess == nil || sess.key == "" {
		return domainauth.LoginResult{}, errors.New("login requires a browsing context")
	}

	release, ok := m.beginLogin(sess.key)
	if !ok {
		metrics.EmitAuth(m.metrics, metrics.AuthMetric{Name: metrics.NameLogin, Result: metrics.ResultRejected, Err: ErrLoginInProgress})
		return domainauth.LoginResult{}, ErrLoginInProgress
	}
	defer release()

	log := m.logger.With("ctx_key", sess.key, "username", username)
	start := m.now()

	resp, err := m.backend.Login(ctx, ports.LoginRequest{Username: username, Password: password})
	if err != nil {
		err = classifyLoginError(err)
		metrics.EmitAuth(m.metrics, metrics.AuthMetric{
			Name: metrics.NameLogin, Result: metrics.ResultError, Duration: m.now().Sub(start), Err: err,
		})
		log.InfoContext(ctx, "login failed", "error", err)
		return domainauth.LoginResult{}, err
	}

	creds := domainauth.Credentials{
		Token:     resp.Token,
		Roles:     resp.Roles,
		Username:  username,
		ExpiresAt: tokenExpiry(resp.Token, m.now()),
	}
	if err := m.store.Save(ctx, sess.key, creds); err != nil {
		metrics.EmitAuth(m.metrics, metrics.AuthMetric{
			Name: metrics.NameLogin, Result: metrics.ResultError, Duration: m.now().Sub(start), Err: err,
		})
		return domainauth.LoginResult{}, fmt.Errorf("persist credentials: %w", err)
	}
	sess.set(creds)
	metrics.EmitAuth(m.metrics, metrics.AuthMetric{
		Name: metrics.NameLogin, Result: metrics.ResultSuccess, Duration: m.now().Sub(start),
	})

	result := domainauth.LoginResult{Token: creds.Token, Roles: creds.Roles}
	user, err := m.loadProfile(ctx, sess, creds.Token, username)
	if err != nil {
		log.WarnContext(ctx, "profile fetch after login failed", "error", err)
		return result, nil
	}
	result.User = user
	result.ProfileLoaded = true
	log.InfoContext(ctx, "login succeeded", "roles", len(creds.Roles))
	return result, nil
}

// Logout ends the session. The backend is told on a best-effort basis within
// the logout timeout; its outcome is logged and never blocks the local
// reset. The returned error only reports a failure to clear durable
// storage; the mirror is anonymous either way.
func (m *SessionManager) Logout(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	token := sess.Token()
	if token == "" && sess.key != "" {
		// The mirror may predate a login in another tab.
		if creds, err := m.store.Load(ctx, sess.key); err == nil {
			token = creds.Token
		}
	}

	if token != "" {
		m.notifyBackendLogout(ctx, sess.key, token)
	}

	var clearErr error
	if sess.key != "" {
		mu := m.writeLock(sess.key)
		mu.Lock()
		clearErr = m.store.Clear(ctx, sess.key)
		mu.Unlock()
	}
	sess.reset()

	if clearErr != nil {
		m.logger.ErrorContext(ctx, "credential clear failed", "ctx_key", sess.key, "error", clearErr)
		return fmt.Errorf("clear credentials: %w", clearErr)
	}
	m.logger.InfoContext(ctx, "logged out", "ctx_key", sess.key)
	return nil
}

// RefreshProfile retries the profile fetch for an authenticated session.
// When username is empty the name the session logged in with is used, then
// the token's subject claim. Concurrent refreshes for one browsing context
// share a single backend call.
func (m *SessionManager) RefreshProfile(ctx context.Context, sess *Session, username string) error {
	if sess == nil || !sess.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	token := sess.Token()
	username = strings.TrimSpace(username)
	if username == "" {
		username = sess.LoginName()
	}
	if username == "" {
		username = tokenSubject(token)
	}
	if username == "" {
		return apperrors.ValidationField("username", "username is required to load the profile")
	}

	v, err, shared := m.refresh.Do(sess.key, func() (any, error) {
		return m.loadProfile(ctx, sess, token, username)
	})
	if err != nil {
		return err
	}
	if shared {
		// Only the leader's mirror was updated inside loadProfile.
		if user, ok := v.(*domainauth.UserEssentials); ok && user != nil && sess.Token() == token {
			creds := sess.snapshot()
			u := *user
			creds.User = &u
			sess.set(creds)
		}
	}
	return nil
}

// loadProfile fetches the user with an explicit token and saves it next to
// the token and roles, provided the stored token has not changed meanwhile.
func (m *SessionManager) loadProfile(ctx context.Context, sess *Session, token, username string) (*domainauth.UserEssentials, error) {
	start := m.now()
	bu, err := m.backend.FetchUser(ctx, token, username)
	if err != nil {
		metrics.EmitAuth(m.metrics, metrics.AuthMetric{
			Name: metrics.NameProfileFetch, Result: metrics.ResultError, Duration: m.now().Sub(start), Err: err,
		})
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	user := bu.Essentials()

	mu := m.writeLock(sess.key)
	mu.Lock()
	defer mu.Unlock()

	stored, err := m.store.Load(ctx, sess.key)
	if err != nil {
		return nil, fmt.Errorf("reload credentials: %w", err)
	}
	if stored.Token == "" && !m.store.Available(ctx) {
		// Nothing durable to compare against; keep the profile in the mirror.
		creds := sess.snapshot()
		creds.User = &user
		sess.set(creds)
		return &user, nil
	}
	if stored.Token != token {
		metrics.EmitAuth(m.metrics, metrics.AuthMetric{Name: metrics.NameProfileFetch, Result: metrics.ResultSkipped})
		return nil, apperrors.Conflict("session changed while the profile was loading")
	}
	stored.User = &user
	if err := m.store.Save(ctx, sess.key, stored); err != nil {
		return nil, fmt.Errorf("persist profile: %w", err)
	}
	sess.set(stored)

	metrics.EmitAuth(m.metrics, metrics.AuthMetric{
		Name: metrics.NameProfileFetch, Result: metrics.ResultSuccess, Duration: m.now().Sub(start),
	})
	return &user, nil
}

func (m *SessionManager) notifyBackendLogout(ctx context.Context, key, token string) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.logoutTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.backend.Logout(callCtx, token) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		m.logger.WarnContext(ctx, "backend logout failed", "ctx_key", key, "error", err)
	}
	metrics.EmitAuth(m.metrics, metrics.AuthMetric{Name: metrics.NameLogout, Result: result, Err: err})
}

func (m *SessionManager) beginLogin(key string) (func(), bool) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if _, busy := m.inflight[key]; busy {
		return nil, false
	}
	m.inflight[key] = struct{}{}
	return func() {
		m.loginMu.Lock()
		delete(m.inflight, key)
		m.loginMu.Unlock()
	}, true
}

func (m *SessionManager) writeLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.writes[h.Sum32()%lockStripes]
}

func classifyLoginError(err error) error {
	if apperrors.IsInvalidCredentials(err) {
		return apperrors.Wrap(err, ErrInvalidCredentials.Code, ErrInvalidCredentials.Message)
	}
	return apperrors.Wrap(err, ErrBackendUnavailable.Code, ErrBackendUnavailable.Message)
}
