// Package credstoretest is a behaviour suite every CredentialStore adapter
// runs against itself.
package credstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santeplus/medportal/internal/adapters/credstore"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/ports"
)

// Harness wires an adapter into the suite.
type Harness struct {
	// New returns a fresh, empty store.
	New func(t *testing.T) ports.CredentialStore
	// PutRaw writes rec for key without going through Encode.
	PutRaw func(t *testing.T, s ports.CredentialStore, key string, rec credstore.Record)
	// HasRaw reports whether anything is stored for key.
	HasRaw func(t *testing.T, s ports.CredentialStore, key string) bool
}

// SampleUser is a fully populated profile.
func SampleUser() *domainauth.UserEssentials {
	active := true
	return &domainauth.UserEssentials{
		ID:                 1,
		Username:           "uori",
		Role:               domainauth.RoleProfessionnel,
		Hospital:           &domainauth.Hospital{ID: 3, Name: "CHU Nord"},
		FirstName:          "Jean",
		LastName:           "Dupont",
		Email:              "jean.dupont@example.org",
		Tel:                "0600000000",
		CreatedAt:          "2024-01-02T10:00:00",
		Active:             &active,
		Specialty:          "Cardiologie",
		RegistrationNumber: "12345",
	}
}

// Run executes the suite.
func Run(t *testing.T, h Harness) {
	t.Helper()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		s := h.New(t)
		in := domainauth.Credentials{
			Token:    "abc123",
			Roles:    []domainauth.Role{domainauth.RoleProfessionnel},
			User:     SampleUser(),
			Username: "uori",
		}
		require.NoError(t, s.Save(ctx, "ctx-a", in))

		got, err := s.Load(ctx, "ctx-a")
		require.NoError(t, err)
		assert.Equal(t, in.Token, got.Token)
		assert.Equal(t, in.Roles, got.Roles)
		assert.Equal(t, in.User, got.User)
		assert.Equal(t, in.Username, got.Username)
	})

	t.Run("token without user keeps the login name", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Save(ctx, "ctx-a", domainauth.Credentials{
			Token:    "abc123",
			Roles:    []domainauth.Role{"PROFESSIONNEL"},
			Username: "hélène",
		}))
		got, err := s.Load(ctx, "ctx-a")
		require.NoError(t, err)
		assert.Equal(t, "abc123", got.Token)
		assert.Nil(t, got.User)
		assert.Equal(t, "hélène", got.Username)
	})

	t.Run("save overwrites every field", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Save(ctx, "ctx-a", domainauth.Credentials{
			Token: "old", Roles: []domainauth.Role{"ADMIN"}, User: SampleUser(), Username: "uori",
		}))
		require.NoError(t, s.Save(ctx, "ctx-a", domainauth.Credentials{Token: "new"}))

		got, err := s.Load(ctx, "ctx-a")
		require.NoError(t, err)
		assert.Equal(t, "new", got.Token)
		assert.Empty(t, got.Roles)
		assert.Nil(t, got.User)
		assert.Empty(t, got.Username)
	})

	t.Run("unknown key is empty", func(t *testing.T) {
		s := h.New(t)
		got, err := s.Load(ctx, "missing")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("clear is total and idempotent", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Save(ctx, "ctx-a", domainauth.Credentials{
			Token: "abc123", Roles: []domainauth.Role{"PROFESSIONNEL"}, User: SampleUser(), Username: "uori",
		}))
		require.NoError(t, s.Clear(ctx, "ctx-a"))
		require.NoError(t, s.Clear(ctx, "ctx-a"))

		got, err := s.Load(ctx, "ctx-a")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
		assert.False(t, h.HasRaw(t, s, "ctx-a"))
	})

	t.Run("contexts are isolated", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Save(ctx, "ctx-a", domainauth.Credentials{Token: "a"}))
		require.NoError(t, s.Save(ctx, "ctx-b", domainauth.Credentials{Token: "b"}))
		require.NoError(t, s.Clear(ctx, "ctx-a"))

		got, err := s.Load(ctx, "ctx-b")
		require.NoError(t, err)
		assert.Equal(t, "b", got.Token)
	})

	t.Run("corrupt user clears the triple", func(t *testing.T) {
		s := h.New(t)
		h.PutRaw(t, s, "ctx-a", credstore.Record{Token: "abc123", Roles: `["PROFESSIONNEL"]`, User: `{"id":`})

		got, err := s.Load(ctx, "ctx-a")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
		assert.False(t, h.HasRaw(t, s, "ctx-a"), "corrupt triple must be removed")
	})

	t.Run("user without token clears the triple", func(t *testing.T) {
		s := h.New(t)
		h.PutRaw(t, s, "ctx-a", credstore.Record{User: `{"id":1,"username":"uori","role":"PROFESSIONNEL"}`})

		got, err := s.Load(ctx, "ctx-a")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
		assert.False(t, h.HasRaw(t, s, "ctx-a"))
	})

	t.Run("available", func(t *testing.T) {
		assert.True(t, h.New(t).Available(ctx))
	})
}
