package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	// Register the pgx driver with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/santeplus/medportal/config"
	"github.com/santeplus/medportal/internal/migrate"
)

const connectTimeout = 5 * time.Second

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// PostgresDSN builds a pgx URL, escaping credentials.
func PostgresDSN(c config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectDB opens and pings the Postgres credential database.
func ConnectDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", PostgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each request touches at most one row; a small pool is enough.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name)
	}
	return db, nil
}

// RedisOptions maps RedisConfig onto go-redis universal options. Cluster
// wins over sentinel; a redis:// or rediss:// URI carries its own address,
// credentials, database and TLS settings.
func RedisOptions(c config.RedisConfig) (*redis.UniversalOptions, string, error) {
	opts := &redis.UniversalOptions{Password: c.Password, DB: c.DB}

	switch {
	case c.UseCluster:
		opts.IsClusterMode = true
		opts.DB = 0
		opts.Addrs = nonEmpty(c.ClusterNodes)
		if len(opts.Addrs) == 0 && strings.TrimSpace(c.URI) != "" {
			if err := applyRedisURI(opts, c.URI); err != nil {
				return nil, "", err
			}
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster configuration requires at least one address")
		}
		return opts, "cluster:" + strings.Join(opts.Addrs, ","), nil

	case c.UseSentinel:
		opts.Addrs = nonEmpty(c.SentinelNodes)
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		opts.MasterName = c.SentinelMasterName
		opts.SentinelPassword = c.SentinelPassword
		return opts, "sentinel:" + c.SentinelMasterName, nil

	default:
		uri := strings.TrimSpace(c.URI)
		if uri == "" {
			return nil, "", errors.New("redis configuration requires a URI")
		}
		if err := applyRedisURI(opts, uri); err != nil {
			return nil, "", err
		}
		return opts, opts.Addrs[0], nil
	}
}

func applyRedisURI(opts *redis.UniversalOptions, uri string) error {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		opts.Addrs = []string{uri}
		return nil
	}
	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	if !opts.IsClusterMode {
		opts.DB = parsed.DB
	}
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

func nonEmpty(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ConnectRedis builds a single, sentinel or cluster client and pings it.
//
//nolint:ireturn // the concrete client type depends on configuration.
func ConnectRedis(ctx context.Context, cfg DatabaseConfig) (redis.UniversalClient, error) {
	opts, desc, err := RedisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "redis connected", "addr", desc)
	}
	return client, nil
}

// RunMigrations applies the embedded credential schema.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}
	return nil
}
