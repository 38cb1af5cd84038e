package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/santeplus/medportal/internal/errors"
)

// DecodeJSON decodes JSON from the request body into the destination and handles errors.
// Returns true if successful, false if there was an error (error response already written).
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Client disconnects can't be recovered from here.
	_, _ = buf.WriteTo(w)
}

// ErrorParams groups parameters for WriteError.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes a JSON error response using ErrorParams.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": p.Err.Error()})
}

// WriteAppError writes err as a JSON error, with status and code derived
// from its AppError code.
func WriteAppError(w http.ResponseWriter, err error) {
	status, code := StatusForError(err)
	WriteError(w, ErrorParams{Code: status, ErrCode: code, Err: publicError(err)})
}

// StatusForError maps an error to the HTTP status and machine code exposed
// to clients. Unclassified errors are internal.
func StatusForError(err error) (int, string) {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeUnauthenticated, apperrors.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized, string(apperrors.GetCode(err))
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden, string(apperrors.ErrCodeForbidden)
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest, string(apperrors.ErrCodeValidation)
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound, string(apperrors.ErrCodeNotFound)
	case apperrors.ErrCodeConflict:
		return http.StatusConflict, string(apperrors.ErrCodeConflict)
	case apperrors.ErrCodeUnavailable:
		return http.StatusBadGateway, string(apperrors.ErrCodeUnavailable)
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout, string(apperrors.ErrCodeTimeout)
	case apperrors.ErrCodeCanceled:
		// nginx convention for a client that went away
		return 499, string(apperrors.ErrCodeCanceled)
	default:
		return http.StatusInternalServerError, string(apperrors.ErrCodeInternal)
	}
}

// publicMessage hides causes: clients see the AppError message only.
type publicMessage string

func (m publicMessage) Error() string { return string(m) }

func publicError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code != apperrors.ErrCodeInternal {
		return publicMessage(appErr.Message)
	}
	return publicMessage("internal error")
}
