package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims reads the registered claims of a JWT without verifying it.
// The front-end never trusts these values for authorization; they only size
// the storage TTL and name the profile to fetch. Opaque tokens yield false.
func tokenClaims(token string) (jwt.RegisteredClaims, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return jwt.RegisteredClaims{}, false
	}
	return claims, true
}

// tokenExpiry returns the token's exp claim when it lies after now.
func tokenExpiry(token string, now time.Time) time.Time {
	claims, ok := tokenClaims(token)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}
	}
	if exp := claims.ExpiresAt.Time; exp.After(now) {
		return exp
	}
	return time.Time{}
}

// tokenSubject returns the sub claim, or "".
func tokenSubject(token string) string {
	claims, ok := tokenClaims(token)
	if !ok {
		return ""
	}
	return claims.Subject
}
