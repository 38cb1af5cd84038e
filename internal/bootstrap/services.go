package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/santeplus/medportal/config"
	"github.com/santeplus/medportal/internal/adapters/backend"
	"github.com/santeplus/medportal/internal/adapters/credstore"
	redisstore "github.com/santeplus/medportal/internal/adapters/redis"
	"github.com/santeplus/medportal/internal/data"
	"github.com/santeplus/medportal/internal/domain/guard"
	"github.com/santeplus/medportal/internal/httpclient"
	"github.com/santeplus/medportal/internal/observability/statsd"
	"github.com/santeplus/medportal/internal/ports"
	"github.com/santeplus/medportal/internal/service"
)

// ServiceContainer holds the long-lived components shared by every service.
type ServiceContainer struct {
	Store    ports.CredentialStore
	Sessions *service.SessionManager
	Backend  *backend.Client
	// HTTPClient is the single outbound client; its transport is the bearer
	// interceptor backed by Sessions.
	HTTPClient *http.Client
	Guard      *guard.Guard
	Metrics    *statsd.Client
}

// Close releases resources owned by the container.
func (c ServiceContainer) Close() error {
	if c.Metrics != nil {
		return c.Metrics.Close()
	}
	return nil
}

// ServiceDeps groups dependencies for service initialization. DB and
// RedisClient are nil unless the configured store needs them.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Store overrides the configured credential store.
	Store ports.CredentialStore
}

// NewServices wires the credential store, the bearer interceptor, the
// backend client, the session manager and the route guard.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps require a config")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sink := buildMetrics(logger, cfg.Observability)

	store := deps.Store
	if store == nil {
		var err error
		store, err = NewCredentialStore(StoreDeps{
			Session:     cfg.Session,
			DB:          deps.DB,
			RedisClient: deps.RedisClient,
			Logger:      logger,
		})
		if err != nil {
			return ServiceContainer{}, err
		}
	}

	// The interceptor needs the manager as its token source and the manager
	// needs the backend client built on the interceptor.
	var mgr *service.SessionManager
	tokens := tokenSourceFunc(func(ctx context.Context) (string, error) {
		if mgr == nil {
			return "", nil
		}
		return mgr.TokenFor(ctx)
	})
	client := httpclient.New(httpclient.Options{
		Tokens:   tokens,
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
		return ServiceContainer{}, fmt.Errorf("create backend client: %w", err)
	}

	mgr, err = service.NewSessionManager(service.SessionManagerOptions{
		Store:         store,
		Backend:       be,
		LogoutTimeout: cfg.Backend.LogoutTimeout,
		Metrics:       sink,
		Logger:        logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create session manager: %w", err)
	}

	g, err := loadGuard(cfg.Guard)
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		Store:      store,
		Sessions:   mgr,
		Backend:    be,
		HTTPClient: client,
		Guard:      g,
		Metrics:    sink,
	}, nil
}

type tokenSourceFunc func(ctx context.Context) (string, error)

func (f tokenSourceFunc) TokenFor(ctx context.Context) (string, error) { return f(ctx) }

// buildMetrics never returns nil: a disabled or unreachable StatsD endpoint
// yields a client that drops every metric.
func buildMetrics(logger *slog.Logger, cfg config.ObservabilityConfig) *statsd.Client {
	if !cfg.Metrics.IsEnabled() {
		return statsd.NewDisabled(logger)
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  cfg.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client; metrics disabled", "error", err)
		return statsd.NewDisabled(logger)
	}
	return client
}

func loadGuard(cfg config.GuardConfig) (*guard.Guard, error) {
	if cfg.RoutesFile == "" {
		g, err := guard.Default()
		if err != nil {
			return nil, fmt.Errorf("load embedded route table: %w", err)
		}
		return g, nil
	}
	g, err := guard.LoadFile(cfg.RoutesFile)
	if err != nil {
		return nil, fmt.Errorf("load route table %s: %w", cfg.RoutesFile, err)
	}
	return g, nil
}

// StoreDeps groups what NewCredentialStore may need.
type StoreDeps struct {
	Session     config.SessionConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// NewCredentialStore returns the adapter selected by SESSION_STORE.
//
//nolint:ireturn // the adapter is chosen at runtime.
func NewCredentialStore(d StoreDeps) (ports.CredentialStore, error) {
	switch d.Session.Store {
	case config.StoreKindMemory:
		return credstore.NewMemoryStore(d.Session.TTL, d.Logger), nil
	case config.StoreKindRedis:
		if d.RedisClient == nil {
			return nil, errors.New("redis credential store requires a redis client")
		}
		return redisstore.NewCredentialStore(d.RedisClient, redisstore.CredentialStoreOptions{
			Prefix: d.Session.KeyPrefix,
			TTL:    d.Session.TTL,
			Logger: d.Logger,
		}), nil
	case config.StoreKindPostgres:
		if d.DB == nil {
			return nil, errors.New("postgres credential store requires a database")
		}
		return data.NewCredentialRepo(d.DB, d.Session.TTL, d.Logger), nil
	case config.StoreKindNone:
		return credstore.Unavailable{}, nil
	default:
		return nil, fmt.Errorf("unknown credential store %q", d.Session.Store)
	}
}

// ServiceOrchestrationConfig contains everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, logger *slog.Logger, errCh chan<- error, svc backgroundService) backgroundServiceHandle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", svc.name, err)
			select {
			case errCh <- errMsg:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error", "service", svc.name, "error", errMsg)
			}
		}
	}()
	logger.InfoContext(ctx, "background service started", "service", svc.name, "mode", svc.mode)
	return backgroundServiceHandle{name: svc.name, done: done}
}

func buildBackgroundServices(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []backgroundService {
	return []backgroundService{
		{
			mode: config.ServiceModeReaper,
			name: "credential reaper",
			start: func(ctx context.Context) error {
				return RunReaper(ctx, ReaperConfig{
					DB:      cfg.DB,
					Logger:  logger,
					Config:  cfg.Config.Reaper,
					Metrics: cfg.Services.Metrics,
				})
			},
		},
	}
}

// RunServicesWithShutdown starts the enabled services and blocks until
// SIGINT/SIGTERM or the first service failure.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, len(enabled)+1)

	var server *http.Server
	if enabled[config.ServiceModeHTTP] {
		server, err = StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
			ErrCh:    errCh,
		})
		if err != nil {
			return err
		}
	}

	var handles []backgroundServiceHandle
	for _, svc := range buildBackgroundServices(cfg, logger) {
		if enabled[svc.mode] {
			handles = append(handles, launchBackground(ctx, logger, errCh, svc))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
		logger.Info("shutting down services...")
	case runErr = <-errCh:
		logger.Error("service error", "error", runErr)
	}
	cancel()

	if server != nil {
		if stopErr := ShutdownHTTPServer(context.Background(), server, logger); stopErr != nil {
			runErr = errors.Join(runErr, stopErr)
		}
	}
	for _, h := range handles {
		waitForService(h.done, h.name, logger)
	}
	return runErr
}

func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
