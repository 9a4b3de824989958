package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/daaily/daaily-go/internal/app"
	"github.com/daaily/daaily-go/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version, commit string) error {
	cmd := &cli.Command{
		Name:    "daaily",
		Usage:   "Authenticated client and local proxy for the Daaily API",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				Sources: cli.EnvVars("DAAILY_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "profile",
				Usage: "token endpoint profile (v2|v3)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "log exporter (none|stdout|otlphttp|otlpgrpc)",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			requestCommand(),
			proxyCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// flagOverrides maps explicitly set flags onto config keys.
var flagOverrides = map[string]string{
	"profile":      "profile",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-exporter": "log.exporter",
	"addr":         "proxy.addr",
	"upstream":     "proxy.upstream",
	"storage":      "auth.storage",
}

// loadConfig loads the configuration with flags set on cmd taking precedence
// over file and environment.
func loadConfig(path string, cmd *cli.Command, environ func() []string) (*app.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range flagOverrides {
		if cmd.IsSet(flag) {
			overrides[key] = cmd.String(flag)
		}
	}
	return app.LoadConfig(path, environ, overrides)
}

// setup loads the configuration and installs logging. The returned shutdown
// flushes buffered log records.
func setup(ctx context.Context, cmd *cli.Command, environ func() []string) (*app.Config, observability.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, nil, err
	}

	shutdown, err := observability.Instrument(ctx, level, cfg.Log.Format, cfg.Log.Exporter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	slog.DebugContext(ctx, "configuration loaded", "profile", cfg.Profile, "storage", cfg.Auth.Storage)
	return cfg, shutdown, nil
}

// flushLogs runs shutdown detached from ctx so records survive cancellation.
func flushLogs(ctx context.Context, shutdown observability.ShutdownFunc) {
	if err := shutdown(context.WithoutCancel(ctx)); err != nil {
		slog.ErrorContext(ctx, "failed to flush logs", "error", err)
	}
}
