package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/santeplus/medportal/internal/bootstrap"
	"github.com/santeplus/medportal/internal/migrate"
)

type migrateOptions struct {
	Timeout time.Duration
}

func parseMigrateFlags(name string, args []string, stderr io.Writer) (migrateOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := migrateOptions{Timeout: defaultCommandTimeout}
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration to wait for the database")

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags("migrate", args, cmdCtx.Out)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	infra, err := cmdCtx.infra(ctx, true, false)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, infra)

	if err := bootstrap.RunMigrations(ctx, infra.DB, cmdCtx.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return writeln(cmdCtx.Out, "migrations applied")
}

func runMigrationStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags("migrate-status", args, cmdCtx.Out)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	infra, err := cmdCtx.infra(ctx, true, false)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, infra)

	list, err := migrate.Status(ctx, infra.DB)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return printMigrationStatus(cmdCtx.Out, list)
}

func printMigrationStatus(w io.Writer, list []migrate.Migration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writef(tw, "VERSION\tAPPLIED\n"); err != nil {
		return err
	}
	for _, m := range list {
		applied := "pending"
		if m.AppliedAt != nil {
			applied = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		if err := writef(tw, "%s\t%s\n", m.Version, applied); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func closeInfra(cmdCtx *commandContext, infra bootstrap.Infra) {
	if err := infra.Close(); err != nil {
		cmdCtx.Logger.Warn("close infrastructure failed", "error", err)
	}
}
