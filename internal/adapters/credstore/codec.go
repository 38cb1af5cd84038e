// Package credstore holds the credential triple codec shared by every
// CredentialStore adapter, plus the process-local, file-backed and
// unavailable stores.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
)

// Record is the stored form of a credential triple: string values under the
// auth_token, auth_roles and current_user names, plus the login name under
// auth_username. Empty means absent.
type Record struct {
	Token    string `json:"auth_token,omitempty"`
	Roles    string `json:"auth_roles,omitempty"`
	User     string `json:"current_user,omitempty"`
	Username string `json:"auth_username,omitempty"`
}

// Empty reports whether no field is stored.
func (r Record) Empty() bool {
	return r.Token == "" && r.Roles == "" && r.User == "" && r.Username == ""
}

// ErrCorrupt reports a stored triple that cannot be decoded or is
// inconsistent. Adapters clear the triple when they see it.
var ErrCorrupt = errors.New("stored credentials are corrupt")

// Encode serializes creds. Roles and user are JSON, the token is stored as is.
func Encode(creds domainauth.Credentials) (Record, error) {
	rec := Record{Token: creds.Token, Username: creds.Username}
	if creds.Roles != nil {
		b, err := json.Marshal(creds.Roles)
		if err != nil {
			return Record{}, fmt.Errorf("encode roles: %w", err)
		}
		rec.Roles = string(b)
	}
	if creds.User != nil {
		b, err := json.Marshal(creds.User)
		if err != nil {
			return Record{}, fmt.Errorf("encode user: %w", err)
		}
		rec.User = string(b)
	}
	return rec, nil
}

// Decode parses rec. It returns ErrCorrupt when roles or user fail to parse,
// or when roles, user or username are present without a token.
func Decode(rec Record) (domainauth.Credentials, error) {
	if rec.Token == "" && (rec.Roles != "" || rec.User != "" || rec.Username != "") {
		return domainauth.Credentials{}, fmt.Errorf("%w: user or roles without token", ErrCorrupt)
	}
	creds := domainauth.Credentials{Token: rec.Token, Username: rec.Username}
	if rec.Roles != "" {
		if err := json.Unmarshal([]byte(rec.Roles), &creds.Roles); err != nil {
			return domainauth.Credentials{}, fmt.Errorf("%w: roles: %w", ErrCorrupt, err)
		}
	}
	if rec.User != "" {
		var u domainauth.UserEssentials
		if err := json.Unmarshal([]byte(rec.User), &u); err != nil {
			return domainauth.Credentials{}, fmt.Errorf("%w: user: %w", ErrCorrupt, err)
		}
		creds.User = &u
	}
	return creds, nil
}
