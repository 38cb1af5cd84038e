package errors

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/santeplus/medportal/internal/errors"
)

type customErr struct{}

func (customErr) Error() string { return "custom" }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "app error code", err: apperrors.Unavailable("backend down"), want: "unavailable"},
		{
			name: "wrapped app error",
			err:  fmt.Errorf("login: %w", apperrors.InvalidCredentials("bad password")),
			want: "invalid_credentials",
		},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: "timeout"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "concrete type", err: fmt.Errorf("wrap: %w", customErr{}), want: "errors_customerr"},
		{name: "sentinel value", err: io.EOF, want: "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
