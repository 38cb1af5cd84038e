// Command medportal-cli signs in to the medical backend from a terminal and
// browses imaging data with the same session core as the web front-end.
// Credentials persist in a JSON file under the user's config directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Fprintln(os.Stderr, "\nOperation cancelled")
		os.Exit(130) //nolint:forbidigo // conventional exit status for SIGINT
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err)) //nolint:forbidigo // CLI must propagate failure to the shell
}
