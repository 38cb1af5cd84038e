package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/santeplus/medportal/config"
	"github.com/santeplus/medportal/internal/adapters/reaper"
	"github.com/santeplus/medportal/internal/observability/statsd"
)

// ReaperConfig contains configuration for the credential reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper purges expired Postgres credentials until ctx is cancelled.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}
	return runner.Run(ctx)
}
