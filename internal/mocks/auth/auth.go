package auth

// Package auth contains simple hand-written test doubles for auth ports.
// These are lightweight and suitable for unit tests without codegen.

import (
	"context"
	"sync"
	"sync/atomic"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/ports"
	"github.com/santeplus/medportal/internal/testutil"
)

// Ensure compile-time conformance to ports.
var (
	_ ports.AuthBackend     = (*FakeBackend)(nil)
	_ ports.CredentialStore = (*FlakyStore)(nil)
	_ ports.TokenSource     = StaticTokens("")
)

// Account is one user known to FakeBackend.
type Account struct {
	Password string
	Token    string
	Roles    []domainauth.Role
	User     domainauth.BackendUser
}

// FakeBackend simulates the medical backend's auth endpoints.
// The Func fields override the default behavior when set.
type FakeBackend struct {
	LoginFunc     func(ctx context.Context, req ports.LoginRequest) (ports.LoginResponse, error)
	LogoutFunc    func(ctx context.Context, token string) error
	FetchUserFunc func(ctx context.Context, token, username string) (domainauth.BackendUser, error)

	mu       sync.Mutex
	accounts map[string]Account
	revoked  map[string]bool

	LoginCalls     atomic.Int32
	LogoutCalls    atomic.Int32
	FetchUserCalls atomic.Int32
}

// NewFakeBackend returns a backend knowing the reference account
// uori/motdepasse, which receives token "abc123" and role PROFESSIONNEL.
func NewFakeBackend() *FakeBackend {
	b := &FakeBackend{
		accounts: make(map[string]Account),
		revoked:  make(map[string]bool),
	}
	b.AddAccount("uori", Account{
		Password: "motdepasse",
		Token:    "abc123",
		Roles:    []domainauth.Role{domainauth.RoleProfessionnel},
		User:     testutil.JeanDupont(),
	})
	return b
}

// AddAccount registers or replaces an account.
func (b *FakeBackend) AddAccount(username string, acc Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accounts == nil {
		b.accounts = make(map[string]Account)
	}
	b.accounts[username] = acc
}

// Revoked reports whether Logout was called for token.
func (b *FakeBackend) Revoked(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[token]
}

func (b *FakeBackend) Login(ctx context.Context, req ports.LoginRequest) (ports.LoginResponse, error) {
	b.LoginCalls.Add(1)
	if b.LoginFunc != nil {
		return b.LoginFunc(ctx, req)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[req.Username]
	if !ok || acc.Password != req.Password {
		return ports.LoginResponse{}, apperrors.InvalidCredentials("bad credentials")
	}
	return ports.LoginResponse{Token: acc.Token, Roles: acc.Roles}, nil
}

func (b *FakeBackend) Logout(ctx context.Context, token string) error {
	b.LogoutCalls.Add(1)
	if b.LogoutFunc != nil {
		return b.LogoutFunc(ctx, token)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revoked == nil {
		b.revoked = make(map[string]bool)
	}
	b.revoked[token] = true
	return nil
}

func (b *FakeBackend) FetchUser(ctx context.Context, token, username string) (domainauth.BackendUser, error) {
	b.FetchUserCalls.Add(1)
	if b.FetchUserFunc != nil {
		return b.FetchUserFunc(ctx, token, username)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[username]
	if !ok {
		return domainauth.BackendUser{}, apperrors.NotFoundf("user %s not found", username)
	}
	if token == "" || token != acc.Token || b.revoked[token] {
		return domainauth.BackendUser{}, apperrors.Unauthenticated("token rejected")
	}
	return acc.User, nil
}

// FlakyStore wraps a CredentialStore and injects failures.
type FlakyStore struct {
	ports.CredentialStore

	mu      sync.Mutex
	down    bool
	saveErr error
	loadErr error
	clrErr  error
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner ports.CredentialStore) *FlakyStore {
	return &FlakyStore{CredentialStore: inner}
}

// SetDown makes Available report false.
func (s *FlakyStore) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailSave makes every Save return err (nil restores).
func (s *FlakyStore) FailSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// FailLoad makes every Load return err (nil restores).
func (s *FlakyStore) FailLoad(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// FailClear makes every Clear return err (nil restores).
func (s *FlakyStore) FailClear(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clrErr = err
}

func (s *FlakyStore) Save(ctx context.Context, key string, creds domainauth.Credentials) error {
	s.mu.Lock()
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.CredentialStore.Save(ctx, key, creds)
}

func (s *FlakyStore) Load(ctx context.Context, key string) (domainauth.Credentials, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return domainauth.Credentials{}, err
	}
	return s.CredentialStore.Load(ctx, key)
}

func (s *FlakyStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	err := s.clrErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.CredentialStore.Clear(ctx, key)
}

func (s *FlakyStore) Available(ctx context.Context) bool {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return false
	}
	return s.CredentialStore.Available(ctx)
}

// StaticTokens is a TokenSource that always returns the same token.
type StaticTokens string

func (t StaticTokens) TokenFor(context.Context) (string, error) { return string(t), nil }
