// Command medportal-admin runs maintenance tasks against the credential
// stores: schema migrations and session purges.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/santeplus/medportal/config"
	"github.com/santeplus/medportal/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
	In     io.Reader

	// connect opens shared connections; tests replace it.
	connect func(context.Context, bootstrap.InfraOptions) (bootstrap.Infra, error)
}

func (c *commandContext) infra(ctx context.Context, wantDB, wantRedis bool) (bootstrap.Infra, error) {
	connect := c.connect
	if connect == nil {
		connect = bootstrap.ConnectInfra
	}
	return connect(ctx, bootstrap.InfraOptions{
		Config:    &c.Config,
		Logger:    c.Logger,
		WantDB:    wantDB,
		WantRedis: wantRedis,
	})
}

const defaultCommandTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stderr); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmdCtx := &commandContext{
		Ctx:    ctx,
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
		In:     os.Stdin,
	}
	runErr := cmd.run(cmdCtx, os.Args[2:])
	stop()
	if runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Apply the credential store schema migrations",
			run:         runMigrations,
		},
		"migrate-status": {
			name:        "migrate-status",
			description: "List schema migrations and when they were applied",
			run:         runMigrationStatus,
		},
		"purge-sessions": {
			name:        "purge-sessions",
			description: "Delete expired (or, with --all, every) stored credentials",
			run:         runPurgeSessions,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: medportal-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-18s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
