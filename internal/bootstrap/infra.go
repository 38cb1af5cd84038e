package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/santeplus/medportal/config"
)

// Infra holds the shared connections a process opened. Either field may be nil.
type Infra struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

// InfraOptions selects which connections ConnectInfra opens.
type InfraOptions struct {
	Config    *config.AppConfig
	Logger    *slog.Logger
	WantDB    bool
	WantRedis bool
}

// NeedsDB reports whether the configured store or services use Postgres.
func NeedsDB(cfg *config.AppConfig) bool {
	return cfg.Session.Store == config.StoreKindPostgres || cfg.IsReaperEnabled()
}

// NeedsRedis reports whether credentials live in Redis.
func NeedsRedis(cfg *config.AppConfig) bool {
	return cfg.Session.Store == config.StoreKindRedis
}

// HasRedisConfig reports whether cfg names at least one Redis endpoint.
func HasRedisConfig(cfg *config.RedisConfig) bool {
	if cfg == nil {
		return false
	}
	if cfg.UseCluster {
		return len(nonEmpty(cfg.ClusterNodes)) > 0 || cfg.URI != ""
	}
	if cfg.UseSentinel {
		return len(nonEmpty(cfg.SentinelNodes)) > 0
	}
	return cfg.URI != ""
}

// ConnectInfra opens the requested connections. On failure everything opened
// so far is closed again.
func ConnectInfra(ctx context.Context, opts InfraOptions) (Infra, error) {
	if opts.Config == nil {
		return Infra{}, errors.New("connect infra: config is required")
	}
	var infra Infra

	if opts.WantDB {
		db, err := ConnectDB(ctx, DatabaseConfig{DBConfig: opts.Config.Postgres, Logger: opts.Logger})
		if err != nil {
			return Infra{}, fmt.Errorf("connect db: %w", err)
		}
		infra.DB = db
	}

	if opts.WantRedis {
		if !HasRedisConfig(&opts.Config.Redis) {
			return Infra{}, errors.Join(errors.New("redis requested but REDIS_URI is not configured"), infra.Close())
		}
		client, err := ConnectRedis(ctx, DatabaseConfig{RedisConfig: opts.Config.Redis, Logger: opts.Logger})
		if err != nil {
			return Infra{}, errors.Join(fmt.Errorf("connect redis: %w", err), infra.Close())
		}
		infra.Redis = client
	}

	return infra, nil
}

// Close closes every open connection and joins their errors.
func (i Infra) Close() error {
	var closeErr error
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}
