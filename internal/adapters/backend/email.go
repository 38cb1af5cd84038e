package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"

	apperrors "github.com/santeplus/medportal/internal/errors"
)

// Email is a complete message for /api/emails/send and /send-async.
type Email struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
}

// EmailStatus values reported by the backend.
const (
	EmailSuccess = "SUCCESS"
	EmailError   = "ERROR"
)

// EmailResponse is the backend's answer to a synchronous send.
type EmailResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// OK reports whether the backend accepted the message.
func (r EmailResponse) OK() bool { return r.Status == EmailSuccess }

var errNoHospital = apperrors.ValidationField("hospital", "no hospital associated with the user")

// ValidEmail reports whether addr is a single bare address.
func ValidEmail(addr string) bool {
	a, err := mail.ParseAddress(addr)
	return err == nil && a.Address == addr
}

func (e Email) validate() error {
	if len(e.To) == 0 {
		return apperrors.ValidationField("to", "at least one recipient is required")
	}
	for _, list := range [][]string{e.To, e.CC, e.BCC} {
		for _, addr := range list {
			if !ValidEmail(addr) {
				return apperrors.ValidationField("to", fmt.Sprintf("invalid address %q", addr))
			}
		}
	}
	if e.Subject == "" {
		return apperrors.ValidationField("subject", "subject is required")
	}
	return nil
}

// SendEmail sends a complete message synchronously.
func (c *Client) SendEmail(ctx context.Context, e Email) (EmailResponse, error) {
	if err := e.validate(); err != nil {
		return EmailResponse{}, err
	}
	r, err := jsonRequest(http.MethodPost, "/api/emails/send", e)
	if err != nil {
		return EmailResponse{}, err
	}
	return c.emailCall(ctx, r)
}

// SendEmailAsync queues a message. Only 202 Accepted counts as success.
func (c *Client) SendEmailAsync(ctx context.Context, e Email) error {
	if err := e.validate(); err != nil {
		return err
	}
	r, err := jsonRequest(http.MethodPost, "/api/emails/send-async", e)
	if err != nil {
		return err
	}
	status, body, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	if status == http.StatusAccepted {
		return nil
	}
	if err := checkStatus(r.method, r.path, status, body); err != nil {
		return err
	}
	return apperrors.Wrap(&StatusError{Method: r.method, Path: r.path, Status: status, Body: snippet(body)},
		apperrors.ErrCodeInternal, "message not queued")
}

// SendSimpleEmail sends an HTML message to a single recipient.
func (c *Client) SendSimpleEmail(ctx context.Context, to, subject, html string) (EmailResponse, error) {
	if !ValidEmail(to) {
		return EmailResponse{}, apperrors.ValidationField("to", fmt.Sprintf("invalid address %q", to))
	}
	return c.emailCall(ctx, formRequest("/api/emails/send-simple", url.Values{
		"to":          {to},
		"subject":     {subject},
		"htmlContent": {html},
	}))
}

// SendWelcomeEmail sends the backend's welcome template.
func (c *Client) SendWelcomeEmail(ctx context.Context, to, firstName string) (EmailResponse, error) {
	if !ValidEmail(to) {
		return EmailResponse{}, apperrors.ValidationField("to", fmt.Sprintf("invalid address %q", to))
	}
	return c.emailCall(ctx, formRequest("/api/emails/send-welcome", url.Values{
		"to":        {to},
		"firstName": {firstName},
	}))
}

// SendPasswordReset sends a reset link. The endpoint is public and the
// transport never attaches a token to it.
func (c *Client) SendPasswordReset(ctx context.Context, to, resetToken string) (EmailResponse, error) {
	if !ValidEmail(to) {
		return EmailResponse{}, apperrors.ValidationField("to", fmt.Sprintf("invalid address %q", to))
	}
	return c.emailCall(ctx, formRequest("/api/emails/send-password-reset", url.Values{
		"to":         {to},
		"resetToken": {resetToken},
	}))
}

func (c *Client) emailCall(ctx context.Context, r request) (EmailResponse, error) {
	status, body, err := c.do(ctx, r)
	if err != nil {
		return EmailResponse{}, err
	}
	if err := checkStatus(r.method, r.path, status, body); err != nil {
		return EmailResponse{}, err
	}
	var out EmailResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return EmailResponse{}, apperrors.Wrapf(err, apperrors.ErrCodeInternal, "decode %s response", r.path)
	}
	if !out.OK() {
		c.logger.WarnContext(ctx, "backend reported email failure",
			"path", r.path, "status", out.Status, "message", out.Message)
	}
	return out, nil
}
