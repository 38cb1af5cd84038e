// Package mocks provides mock implementations of the medportal ports for testing.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the port interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	store := mocks.NewMockCredentialStore(ctrl)
//	store.EXPECT().Load(gomock.Any(), "ctx-1").Return(creds, nil)
package mocks

// Generate mocks for the credential storage, backend auth and token lookup ports.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=ports_mock.go github.com/santeplus/medportal/internal/ports CredentialStore,AuthBackend,TokenSource
