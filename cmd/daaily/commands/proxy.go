package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/daaily/daaily-go/internal/app"
)

// proxyCommand returns the 'proxy' command group.
func proxyCommand() *cli.Command {
	return &cli.Command{
		Name:  "proxy",
		Usage: "Run a local proxy that authorizes requests to the Daaily API",
		Commands: []*cli.Command{
			proxyStartCommand(),
		},
	}
}

func proxyStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Starts the proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address",
			},
			&cli.StringFlag{
				Name:  "upstream",
				Usage: "upstream base URL (defaults to the profile's API base URL)",
			},
		},
		Action: proxyStartAction,
	}
}

func proxyStartAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd, os.Environ)
	if err != nil {
		return err
	}
	defer flushLogs(ctx, shutdown)

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting", "addr", cfg.Proxy.Addr)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
