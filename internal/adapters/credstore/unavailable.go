package credstore

import (
	"context"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/ports"
)

// Unavailable is the store used when no durable storage is configured or
// reachable. Writes are dropped, reads are empty, and Available is false so
// the route guard defers instead of redirecting.
type Unavailable struct{}

var _ ports.CredentialStore = Unavailable{}

func (Unavailable) Save(context.Context, string, domainauth.Credentials) error { return nil }

func (Unavailable) Load(context.Context, string) (domainauth.Credentials, error) {
	return domainauth.Credentials{}, nil
}

func (Unavailable) Clear(context.Context, string) error { return nil }

func (Unavailable) Available(context.Context) bool { return false }
