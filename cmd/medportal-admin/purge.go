package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/santeplus/medportal/config"
	redisstore "github.com/santeplus/medportal/internal/adapters/redis"
	"github.com/santeplus/medportal/internal/bootstrap"
	"github.com/santeplus/medportal/internal/data"
)

type purgeOptions struct {
	All       bool
	Yes       bool
	BatchSize int
	Timeout   time.Duration
}

func parsePurgeFlags(args []string, cmdCtx *commandContext) (purgeOptions, error) {
	fs := flag.NewFlagSet("purge-sessions", flag.ContinueOnError)
	fs.SetOutput(cmdCtx.Out)

	opts := purgeOptions{BatchSize: cmdCtx.Config.Reaper.BatchSize, Timeout: defaultCommandTimeout}
	fs.BoolVar(&opts.All, "all", false, "Delete every stored credential, signing all users out")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	fs.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "Rows deleted per statement when purging expired Postgres credentials")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration of the purge")

	if err := fs.Parse(args); err != nil {
		return purgeOptions{}, err
	}
	if opts.Timeout <= 0 {
		return purgeOptions{}, errors.New("--timeout must be greater than zero")
	}
	if opts.BatchSize < 0 {
		return purgeOptions{}, errors.New("--batch-size must not be negative")
	}
	return opts, nil
}

func runPurgeSessions(cmdCtx *commandContext, args []string) error {
	opts, err := parsePurgeFlags(args, cmdCtx)
	if err != nil {
		return err
	}

	store := cmdCtx.Config.Session.Store
	switch store {
	case config.StoreKindPostgres, config.StoreKindRedis:
	default:
		return fmt.Errorf("SESSION_STORE=%s keeps nothing to purge", store)
	}

	if store == config.StoreKindRedis && !opts.All {
		// Redis keys carry their own TTL.
		return writeln(cmdCtx.Out, "redis expires credentials on its own; pass --all to sign every user out")
	}

	if opts.All {
		if err := confirmPurgeAll(cmdCtx, opts, store); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	infra, err := cmdCtx.infra(ctx, store == config.StoreKindPostgres, store == config.StoreKindRedis)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, infra)

	removed, err := purgeCredentials(ctx, cmdCtx, infra, opts)
	if err != nil {
		return fmt.Errorf("purge sessions: %w", err)
	}

	cmdCtx.Logger.Info("purge sessions complete", "store", store, "all", opts.All, "removed", removed)
	return writef(cmdCtx.Out, "removed %d credential entries from %s\n", removed, store)
}

// purgeCredentials deletes from the configured store using infra's open
// connections.
func purgeCredentials(ctx context.Context, cmdCtx *commandContext, infra bootstrap.Infra, opts purgeOptions) (int64, error) {
	switch {
	case cmdCtx.Config.Session.Store == config.StoreKindRedis:
		return redisstore.NewCredentialStore(infra.Redis, redisstore.CredentialStoreOptions{
			Prefix: cmdCtx.Config.Session.KeyPrefix,
			Logger: cmdCtx.Logger,
		}).Purge(ctx)
	case opts.All:
		return data.NewCredentialRepo(infra.DB, 0, cmdCtx.Logger).Purge(ctx)
	default:
		return data.NewCredentialRepo(infra.DB, 0, cmdCtx.Logger).PurgeExpired(ctx, opts.BatchSize)
	}
}

func confirmPurgeAll(cmdCtx *commandContext, opts purgeOptions, store config.StoreKind) error {
	if opts.Yes {
		return nil
	}
	if err := writef(cmdCtx.Out, "About to delete every stored credential in %s; all users will be signed out.\nContinue? [y/N]: ", store); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(cmdCtx.In).ReadString('\n')
	if err != nil && resp == "" {
		return errors.New("aborted by user")
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}
