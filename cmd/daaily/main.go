package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/daaily/daaily-go/cmd/daaily/commands"
	"github.com/daaily/daaily-go/internal/credential"
)

var (
	version = "dev"
	commit  = "none"
)

// Exit codes.
const (
	exitFailure      = 1
	exitMissingInput = 2
)

func main() {
	// Cancel on SIGINT/SIGTERM so in-flight exchanges and backoff sleeps stop.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, os.Args, version, commit)
	if err == nil {
		return
	}

	var missing *credential.MissingInputError
	if errors.As(err, &missing) {
		fmt.Fprintln(os.Stderr, credential.MissingInputMessage)
		fmt.Fprintf(os.Stderr, "Missing: %v\n", missing.Variables)
		stop()
		os.Exit(exitMissingInput)
	}

	slog.ErrorContext(ctx, "command failed", "error", err)
	stop()
	os.Exit(exitFailure)
}
