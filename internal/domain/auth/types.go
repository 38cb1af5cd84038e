// Package auth contains domain-level types for the browser session: the
// credential triple persisted per browsing context and the user projection
// derived from the backend's user record. It is pure and free of
// framework/adapter concerns.
package auth

import (
	"slices"
	"time"
)

// Role is an authorization role issued by the medical backend.
// Keep string form for easy persistence.
type Role string

const (
	RoleProfessionnel Role = "PROFESSIONNEL"
	RoleAdmin         Role = "ADMIN"
	RolePatient       Role = "PATIENT"
)

// Storage key names for the credential triple. They are stable across
// deployments and always read and written together. KeyUsername holds the
// login name next to the triple so a missing profile can be fetched again.
const (
	KeyToken       = "auth_token"
	KeyRoles       = "auth_roles"
	KeyCurrentUser = "current_user"
	KeyUsername    = "auth_username"
)

// Hospital is the establishment a user belongs to.
type Hospital struct {
	ID   int64  `json:"id"`
	Name string `json:"nom"`
}

// UserEssentials is the read-only projection of the backend user record that
// the front-end keeps. It has no password field, so a persisted value can
// never carry one.
type UserEssentials struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Hospital  *Hospital `json:"hopital,omitempty"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Email     string    `json:"email,omitempty"`
	Tel       string    `json:"tel,omitempty"`
	CreatedAt string    `json:"dateCreation,omitempty"`
	DeletedAt *string   `json:"dateSuppression,omitempty"`
	Active    *bool     `json:"actif,omitempty"`

	Specialty          string `json:"specialite,omitempty"`
	RegistrationNumber string `json:"numeroOrdre,omitempty"`
}

// DisplayName returns "First Last", falling back to the username.
func (u UserEssentials) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.Username
	}
}

// BackendUser is the full user record returned by
// GET /api/medical/utilisateur/{username}.
type BackendUser struct {
	ID                 int64     `json:"id"`
	LastName           string    `json:"lastName"`
	FirstName          string    `json:"firstName"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	Tel                string    `json:"tel"`
	Password           string    `json:"password,omitempty"`
	Role               Role      `json:"role"`
	CreatedAt          string    `json:"dateCreation"`
	DeletedAt          *string   `json:"dateSuppression"`
	Active             *bool     `json:"actif"`
	Hospital           *Hospital `json:"hopital,omitempty"`
	Specialty          string    `json:"specialite,omitempty"`
	RegistrationNumber string    `json:"numeroOrdre,omitempty"`
}

// Essentials projects the backend record onto UserEssentials, dropping the
// password.
func (b BackendUser) Essentials() UserEssentials {
	u := UserEssentials{
		ID:                 b.ID,
		Username:           b.Username,
		Role:               b.Role,
		FirstName:          b.FirstName,
		LastName:           b.LastName,
		Email:              b.Email,
		Tel:                b.Tel,
		CreatedAt:          b.CreatedAt,
		DeletedAt:          b.DeletedAt,
		Active:             b.Active,
		Specialty:          b.Specialty,
		RegistrationNumber: b.RegistrationNumber,
	}
	if b.Hospital != nil {
		h := *b.Hospital
		u.Hospital = &h
	}
	return u
}

// Credentials is the triple persisted per browsing context.
// Token empty means the context is unauthenticated. User may be nil while
// Token is set (profile not yet loaded), never the other way around.
type Credentials struct {
	Token string
	Roles []Role
	User  *UserEssentials
	// Username is the name the session logged in with. It outlives a failed
	// profile fetch and is cleared with the triple.
	Username  string
	ExpiresAt time.Time // zero when unknown
}

// IsZero reports whether nothing is stored.
func (c Credentials) IsZero() bool {
	return c.Token == "" && len(c.Roles) == 0 && c.User == nil && c.Username == ""
}

// HasRole reports whether r is among the granted roles.
func (c Credentials) HasRole(r Role) bool {
	return slices.Contains(c.Roles, r)
}

// LoginResult describes a successful login.
type LoginResult struct {
	Token         string
	Roles         []Role
	User          *UserEssentials
	ProfileLoaded bool
}
