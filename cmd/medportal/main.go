// Command medportal serves the medical portal front-end and, when enabled,
// the background credential reaper.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/santeplus/medportal/config"
	"github.com/santeplus/medportal/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	cfgPtr := &cfg

	if err = bootstrap.ValidateServiceConfig(cfgPtr); err != nil {
		return err
	}
	logStartupInfo(ctx, logger, cfgPtr)

	infra, err := bootstrap.ConnectInfra(ctx, bootstrap.InfraOptions{
		Config:    cfgPtr,
		Logger:    logger,
		WantDB:    bootstrap.NeedsDB(cfgPtr),
		WantRedis: bootstrap.NeedsRedis(cfgPtr),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := infra.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close infrastructure failed", "error", cerr)
		}
	}()

	if infra.DB != nil {
		if cfg.Postgres.RunMigrationsOnStart {
			if err = bootstrap.RunMigrations(ctx, infra.DB, logger); err != nil {
				return err
			}
		} else {
			logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
		}
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      cfgPtr,
		DB:          infra.DB,
		RedisClient: infra.Redis,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close services failed", "error", cerr)
		}
	}()

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:   cfgPtr,
		Services: services,
		DB:       infra.DB,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting medportal",
		"backend", cfg.Backend.BaseURL,
		"session_store", cfg.Session.Store,
		"addr", cfg.HTTP.Addr,
		"dev", cfg.IsDev,
		"enabled_services", bootstrap.GetEnabledServices(cfg))
}
