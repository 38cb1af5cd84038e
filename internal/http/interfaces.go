package httpx

import (
	"context"

	"github.com/santeplus/medportal/internal/adapters/backend"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/service"
)

// SessionService is the session surface the web layer depends on.
// *service.SessionManager implements it.
type SessionService interface {
	Open(ctx context.Context, key string) *service.Session
	Login(ctx context.Context, sess *service.Session, username, password string) (domainauth.LoginResult, error)
	Logout(ctx context.Context, sess *service.Session) error
	RefreshProfile(ctx context.Context, sess *service.Session, username string) error
}

// MedicalBackend is the imaging surface of the backend client used by the
// patient pages.
type MedicalBackend interface {
	Patients(ctx context.Context, hospitalID int64) (backend.PatientsResponse, error)
	PatientDetails(ctx context.Context, patientID string, hospitalID int64) (backend.PatientDetails, error)
	DicomServerURL(ctx context.Context, hospitalID int64) (string, error)
}

var (
	_ SessionService = (*service.SessionManager)(nil)
	_ MedicalBackend = (*backend.Client)(nil)
)
