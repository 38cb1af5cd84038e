package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	jmespath "github.com/jmespath-community/go-jmespath"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/ports"
)

const (
	loginPath  = "/api/auth/login"
	logoutPath = "/api/auth/logout"
	userPath   = "/api/medical/utilisateur/"
)

var _ ports.AuthBackend = (*Client)(nil)

// Login exchanges credentials for a token and roles.
// 400/401/403 yield an InvalidCredentials error; anything else that is not
// a 2xx with a token yields Unavailable.
func (c *Client) Login(ctx context.Context, in ports.LoginRequest) (ports.LoginResponse, error) {
	r, err := jsonRequest(http.MethodPost, loginPath, in)
	if err != nil {
		return ports.LoginResponse{}, err
	}
	status, body, err := c.do(ctx, r)
	if err != nil {
		return ports.LoginResponse{}, err
	}

	switch {
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		se := &StatusError{Method: r.method, Path: loginPath, Status: status, Body: snippet(body)}
		return ports.LoginResponse{}, apperrors.Wrap(se, apperrors.ErrCodeInvalidCredentials, "invalid username or password")
	case status < 200 || status >= 300:
		se := &StatusError{Method: r.method, Path: loginPath, Status: status, Body: snippet(body)}
		return ports.LoginResponse{}, apperrors.Wrap(se, apperrors.ErrCodeUnavailable, "login endpoint failed")
	}

	out, err := c.extractor.extract(body)
	if err != nil {
		return ports.LoginResponse{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "unusable login response")
	}
	return out, nil
}

// Logout tells the backend to drop token. The request carries its own
// Authorization header because the logout path is excluded from injection.
func (c *Client) Logout(ctx context.Context, token string) error {
	r := request{method: http.MethodPost, path: logoutPath, header: http.Header{}}
	if token != "" {
		r.header.Set("Authorization", "Bearer "+token)
	}
	status, body, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	return checkStatus(r.method, logoutPath, status, body)
}

// FetchUser loads the full user record of username, authorized with token.
func (c *Client) FetchUser(ctx context.Context, token, username string) (domainauth.BackendUser, error) {
	if username == "" {
		return domainauth.BackendUser{}, apperrors.ValidationField("username", "username is required")
	}
	var u domainauth.BackendUser
	if err := c.getJSON(withBearer(ctx, token), userPath+url.PathEscape(username), &u); err != nil {
		return domainauth.BackendUser{}, err
	}
	return u, nil
}

// loginExtractor pulls token and roles out of a login response body. The
// expressions are compiled once, when the client is built.
type loginExtractor struct {
	token jmespath.JMESPath
	roles jmespath.JMESPath
}

func newLoginExtractor(tokenPath, rolesPath string) (*loginExtractor, error) {
	if tokenPath == "" {
		tokenPath = "token"
	}
	if rolesPath == "" {
		rolesPath = "roles"
	}
	token, err := jmespath.Compile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("invalid JMESPath %q: %w", tokenPath, err)
	}
	roles, err := jmespath.Compile(rolesPath)
	if err != nil {
		return nil, fmt.Errorf("invalid JMESPath %q: %w", rolesPath, err)
	}
	return &loginExtractor{token: token, roles: roles}, nil
}

func (e *loginExtractor) extract(body []byte) (ports.LoginResponse, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ports.LoginResponse{}, fmt.Errorf("decode login response: %w", err)
	}

	rawToken, err := e.token.Search(doc)
	if err != nil {
		return ports.LoginResponse{}, fmt.Errorf("evaluate token path: %w", err)
	}
	token, _ := rawToken.(string)
	if token == "" {
		return ports.LoginResponse{}, errors.New("login response carries no token")
	}

	rawRoles, err := e.roles.Search(doc)
	if err != nil {
		return ports.LoginResponse{}, fmt.Errorf("evaluate roles path: %w", err)
	}
	return ports.LoginResponse{Token: token, Roles: toRoles(rawRoles)}, nil
}

func toRoles(v any) []domainauth.Role {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []domainauth.Role{domainauth.Role(t)}
	case []any:
		roles := make([]domainauth.Role, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, domainauth.Role(s))
			}
		}
		return roles
	default:
		return nil
	}
}
