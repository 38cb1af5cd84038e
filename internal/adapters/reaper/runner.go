// Package reaper runs the expired-credential reaper against the Postgres
// credential store.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santeplus/medportal/config"
	"github.com/santeplus/medportal/internal/data"
	"github.com/santeplus/medportal/internal/observability/statsd"
	"github.com/santeplus/medportal/internal/service"
)

// Runner wires the reaper service to a database handle.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Repo overrides the Postgres repository built from DB.
	Repo    service.ExpiredCredentialPurger
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	repo := opts.Repo
	if repo == nil {
		if opts.DB == nil {
			return nil, errors.New("database connection is required")
		}
		repo = data.NewCredentialRepo(opts.DB, 0, opts.Logger)
	}

	svc, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repo,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}
	return &Runner{reaper: svc, logger: opts.Logger}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
