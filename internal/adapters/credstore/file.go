package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/ports"
)

// FileStore persists credentials in a JSON file readable only by the owner.
// It is the command-line client's equivalent of browser local storage.
// Every write replaces the file through a temp file and a rename.
type FileStore struct {
	mu     sync.Mutex
	path   string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type fileEntry struct {
	Record
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type fileDoc struct {
	Contexts map[string]fileEntry `json:"contexts"`
}

var _ ports.CredentialStore = (*FileStore)(nil)

// DefaultFilePath returns <user config dir>/medportal/credentials.json.
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "medportal", "credentials.json"), nil
}

// NewFileStore returns a store backed by path. The file is created on first
// save.
func NewFileStore(path string, ttl time.Duration, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "file_credential_store"),
	}
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Save(_ context.Context, key string, creds domainauth.Credentials) error {
	if key == "" {
		return errors.New("context key cannot be empty")
	}
	rec, err := Encode(creds)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	doc.Contexts[key] = fileEntry{Record: rec, ExpiresAt: expiry(creds.ExpiresAt, f.ttl, f.now())}
	return f.write(doc)
}

func (f *FileStore) Load(ctx context.Context, key string) (domainauth.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if errors.Is(err, ErrCorrupt) {
		f.logger.WarnContext(ctx, "credential file unreadable; clearing", "path", f.path, "error", err)
		return domainauth.Credentials{}, f.write(fileDoc{Contexts: map[string]fileEntry{}})
	}
	if err != nil {
		return domainauth.Credentials{}, err
	}

	e, ok := doc.Contexts[key]
	if !ok {
		return domainauth.Credentials{}, nil
	}
	if !e.ExpiresAt.IsZero() && !f.now().Before(e.ExpiresAt) {
		delete(doc.Contexts, key)
		return domainauth.Credentials{}, f.write(doc)
	}
	creds, err := Decode(e.Record)
	if err != nil {
		f.logger.WarnContext(ctx, "cleared corrupt credentials", "ctx_key", key, "error", err)
		delete(doc.Contexts, key)
		return domainauth.Credentials{}, f.write(doc)
	}
	creds.ExpiresAt = e.ExpiresAt
	return creds, nil
}

func (f *FileStore) Clear(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	if _, ok := doc.Contexts[key]; !ok && err == nil {
		return nil
	}
	delete(doc.Contexts, key)
	return f.write(doc)
}

// Available reports whether the file's directory exists or can be created.
func (f *FileStore) Available(context.Context) bool {
	return os.MkdirAll(filepath.Dir(f.path), 0o700) == nil
}

// read returns the document; a missing file is an empty document and an
// undecodable one is ErrCorrupt with an empty document.
func (f *FileStore) read() (fileDoc, error) {
	doc := fileDoc{Contexts: map[string]fileEntry{}}
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read credential file: %w", err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fileDoc{Contexts: map[string]fileEntry{}}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if doc.Contexts == nil {
		doc.Contexts = map[string]fileEntry{}
	}
	return doc, nil
}

func (f *FileStore) write(doc fileDoc) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credential file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
