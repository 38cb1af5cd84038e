package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/santeplus/medportal/config"
	"github.com/santeplus/medportal/internal/adapters/backend"
	"github.com/santeplus/medportal/internal/adapters/credstore"
	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/httpclient"
	"github.com/santeplus/medportal/internal/service"
)

// cliContextKey identifies the terminal's single browsing context in the
// credentials file.
const cliContextKey = "cli"

// cliConfig is read from the environment; flags override it.
type cliConfig struct {
	Backend   config.BackendConfig
	TTL       time.Duration `env:"SESSION_TTL"                envDefault:"12h"`
	StorePath string        `env:"MEDPORTAL_CREDENTIALS_FILE"`
}

type rootFlags struct {
	backendURL string
	storePath  string
	verbose    bool
}

// app is the wired session core for one invocation.
type app struct {
	out      io.Writer
	in       io.Reader
	store    *credstore.FileStore
	sessions *service.SessionManager
	backend  *backend.Client
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "medportal-cli",
		Short:         "Sign in to the medical backend and browse imaging data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.backendURL, "backend", "", "backend base URL (default $BACKEND_URL or http://localhost:8081)")
	root.PersistentFlags().StringVar(&flags.storePath, "credentials", "", "credentials file (default $MEDPORTAL_CREDENTIALS_FILE or the user config dir)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newLoginCmd(flags),
		newLogoutCmd(flags),
		newWhoamiCmd(flags),
		newPatientsCmd(flags),
		newPatientCmd(flags),
		newEmailCmd(flags),
	)
	return root
}

// newApp wires the file store, the bearer interceptor, the backend client and
// the session manager. The returned context carries the CLI context key so
// the interceptor finds the stored token.
func newApp(cmd *cobra.Command, flags *rootFlags) (*app, context.Context, error) {
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, nil, fmt.Errorf("parse environment: %w", err)
	}
	if flags.backendURL != "" {
		cfg.Backend.BaseURL = flags.backendURL
	}
	if flags.storePath != "" {
		cfg.StorePath = flags.storePath
	}
	cfg.Backend.Sanitize()
	if err := cfg.Backend.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.StorePath == "" {
		p, err := credstore.DefaultFilePath()
		if err != nil {
			return nil, nil, err
		}
		cfg.StorePath = p
	}

	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	store := credstore.NewFileStore(cfg.StorePath, cfg.TTL, logger)

	var mgr *service.SessionManager
	client := httpclient.New(httpclient.Options{
		Tokens: tokenSourceFunc(func(ctx context.Context) (string, error) {
			if mgr == nil {
				return "", nil
			}
			return mgr.TokenFor(ctx)
		}),
		Exclude:  cfg.Backend.ExtraExclusions,
		BasePath: cfg.Backend.BasePath(),
		Timeout:  cfg.Backend.Timeout,
		Logger:   logger,
	})
	be, err := backend.New(backend.Options{
		BaseURL:   cfg.Backend.BaseURL,
		HTTP:      client,
		TokenPath: cfg.Backend.TokenPath,
		RolesPath: cfg.Backend.RolesPath,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	mgr, err = service.NewSessionManager(service.SessionManagerOptions{
		Store:         store,
		Backend:       be,
		LogoutTimeout: cfg.Backend.LogoutTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}

	ctx := httpclient.WithContextKey(cmd.Context(), cliContextKey)
	return &app{
		out:      cmd.OutOrStdout(),
		in:       cmd.InOrStdin(),
		store:    store,
		sessions: mgr,
		backend:  be,
		logger:   logger,
	}, ctx, nil
}

type tokenSourceFunc func(ctx context.Context) (string, error)

func (f tokenSourceFunc) TokenFor(ctx context.Context) (string, error) { return f(ctx) }

// session opens the stored context and fails unless it is authenticated.
func (a *app) session(ctx context.Context) (*service.Session, error) {
	sess := a.sessions.Open(ctx, cliContextKey)
	if !sess.StorageAvailable() {
		return nil, fmt.Errorf("credentials file %s is unreadable", a.store.Path())
	}
	if !sess.IsAuthenticated() {
		return nil, errNotLoggedIn
	}
	return sess, nil
}

// hospitalOf loads the profile if needed and returns the user's hospital id.
func (a *app) hospitalOf(ctx context.Context, sess *service.Session) (int64, error) {
	if !sess.ProfileLoaded() {
		if err := a.sessions.RefreshProfile(ctx, sess, ""); err != nil {
			return 0, fmt.Errorf("load profile: %w", err)
		}
	}
	u := sess.CurrentUser()
	if u == nil || u.Hospital == nil || u.Hospital.ID <= 0 {
		return 0, errors.New("no hospital is associated with this account")
	}
	return u.Hospital.ID, nil
}

// handleBackendError signs out locally when the backend rejects the token.
func (a *app) handleBackendError(ctx context.Context, sess *service.Session, err error) error {
	if backend.IsUnauthorized(err) {
		if logoutErr := a.sessions.Logout(context.WithoutCancel(ctx), sess); logoutErr != nil {
			a.logger.WarnContext(ctx, "local sign-out failed", "error", logoutErr)
		}
		return fmt.Errorf("session expired, run 'medportal-cli login' again: %w", err)
	}
	return err
}

var errNotLoggedIn = apperrors.Unauthenticated("not logged in; run 'medportal-cli login'")

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// exitCode maps error codes to shell exit statuses.
func exitCode(err error) int {
	switch {
	case apperrors.IsUnauthenticated(err), apperrors.IsInvalidCredentials(err):
		return 3
	case apperrors.IsUnavailable(err), apperrors.IsTimeout(err):
		return 4
	case apperrors.IsValidation(err):
		return 2
	default:
		return 1
	}
}
