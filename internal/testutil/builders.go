package testutil

import (
	"time"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
)

// CredentialsBuilder provides a fluent interface for building credential
// triples in tests.
type CredentialsBuilder struct {
	creds domainauth.Credentials
}

// NewCredentials starts from the token/role pair of the reference
// professional account.
func NewCredentials() *CredentialsBuilder {
	return &CredentialsBuilder{creds: domainauth.Credentials{
		Token: "abc123",
		Roles: []domainauth.Role{domainauth.RoleProfessionnel},
	}}
}

// WithToken sets the token.
func (b *CredentialsBuilder) WithToken(token string) *CredentialsBuilder {
	b.creds.Token = token
	return b
}

// WithRoles replaces the roles.
func (b *CredentialsBuilder) WithRoles(roles ...domainauth.Role) *CredentialsBuilder {
	b.creds.Roles = roles
	return b
}

// WithUser sets the profile.
func (b *CredentialsBuilder) WithUser(u domainauth.UserEssentials) *CredentialsBuilder {
	b.creds.User = &u
	return b
}

// ExpiringIn sets ExpiresAt relative to now.
func (b *CredentialsBuilder) ExpiringIn(d time.Duration) *CredentialsBuilder {
	b.creds.ExpiresAt = time.Now().Add(d)
	return b
}

// Build returns the credentials.
func (b *CredentialsBuilder) Build() domainauth.Credentials {
	return b.creds
}

// JeanDupont is the backend record of the reference professional account
// (username "uori").
func JeanDupont() domainauth.BackendUser {
	return domainauth.BackendUser{
		ID:        1,
		FirstName: "Jean",
		LastName:  "Dupont",
		Username:  "uori",
		Email:     "jean.dupont@example.org",
		Tel:       "0600000000",
		Password:  "$2a$10$notarealhash",
		Role:      domainauth.RoleProfessionnel,
		CreatedAt: "2024-01-02T10:00:00",
		Active:    BoolPtr(true),
		Hospital:  &domainauth.Hospital{ID: 3, Name: "CHU Nord"},
	}
}
