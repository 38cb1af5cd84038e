package credstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santeplus/medportal/internal/adapters/credstore"
	"github.com/santeplus/medportal/internal/adapters/credstore/credstoretest"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/ports"
)

func TestMemoryStore_Suite(t *testing.T) {
	credstoretest.Run(t, credstoretest.Harness{
		New: func(*testing.T) ports.CredentialStore { return credstore.NewMemoryStore(time.Hour, nil) },
		PutRaw: func(_ *testing.T, s ports.CredentialStore, key string, rec credstore.Record) {
			s.(*credstore.MemoryStore).PutRecord(key, rec)
		},
		HasRaw: func(_ *testing.T, s ports.CredentialStore, _ string) bool {
			return s.(*credstore.MemoryStore).Len() > 0
		},
	})
}

func TestMemoryStore_ExpiresAtTokenExpiry(t *testing.T) {
	s := credstore.NewMemoryStore(time.Hour, nil)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "k", domainauth.Credentials{Token: "t", ExpiresAt: time.Now().Add(20 * time.Millisecond)}))

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "t", got.Token)

	time.Sleep(30 * time.Millisecond)
	got, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestUnavailable(t *testing.T) {
	var s ports.CredentialStore = credstore.Unavailable{}
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "k", domainauth.Credentials{Token: "t"}))
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	require.NoError(t, s.Clear(ctx, "k"))
	assert.False(t, s.Available(ctx))
}
