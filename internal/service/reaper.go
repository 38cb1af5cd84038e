package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santeplus/medportal/config"
	obserrors "github.com/santeplus/medportal/internal/observability/errors"
	"github.com/santeplus/medportal/internal/observability/metrics"
	"github.com/santeplus/medportal/internal/observability/statsd"
)

// ExpiredCredentialPurger deletes stored credentials whose expiry has passed.
type ExpiredCredentialPurger interface {
	PurgeExpired(ctx context.Context, batchSize int) (int64, error)
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    ExpiredCredentialPurger // Required
	Config  config.ReaperConfig
	Logger  *slog.Logger // Optional
	Metrics statsd.Sink  // Optional
}

// ReaperService periodically removes expired rows from the Postgres
// credential store. Redis and memory stores expire entries themselves.
type ReaperService struct {
	repo    ExpiredCredentialPurger
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("credential purger is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger.With("component", "reaper_service"),
		metrics: opts.Metrics,
	}, nil
}

// Run purges immediately after a short jitter, then on every tick, until ctx
// is cancelled. Cancellation returns nil.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting credential reaper",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize)

	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "credential reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(ctx, err)
			}
		}
	}
}

// RunOnce performs a single purge pass and reports the number of rows removed.
func (s *ReaperService) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	count, err := s.repo.PurgeExpired(ctx, s.config.BatchSize)
	s.emitMetrics(count, err, time.Since(start))
	if err != nil {
		if isContextCancellation(err) {
			return count, err
		}
		return count, fmt.Errorf("purge expired credentials: %w", err)
	}
	if count > 0 {
		s.logger.InfoContext(ctx, "purged expired credentials", "count", count)
	}
	return count, nil
}

// waitWithJitter sleeps up to 10% of the interval so replicas started
// together do not purge in lockstep.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) emitMetrics(count int64, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	if isContextCancellation(err) {
		err = nil
	}

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultError
	case count == 0:
		result = metrics.ResultNoop
	}
	tags := map[string]string{"result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}
	if err == nil {
		if count > 0 {
			s.metrics.Count("reaper.credentials_purged", count, metrics.CloneTags(tags))
		}
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) logCleanupError(ctx context.Context, err error) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "credential purge cancelled", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "credential purge failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
