package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/daaily/daaily-go/internal/app"
)

// requestCommand returns the 'request' subcommand.
func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "Send authorized requests to the Daaily API",
		ArgsUsage: "PATH [PATH...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"X"},
				Usage:   "HTTP method",
				Value:   http.MethodGet,
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "extra request header (Name: value)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "maximum requests in flight",
				Value: 4,
			},
		},
		Action: requestAction,
	}
}

// requestAction fetches every path through one shared transport, so all
// requests share the same credential and at most one token exchange.
func requestAction(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("at least one PATH is required")
	}

	header, err := parseHeaders(cmd.StringSlice("header"))
	if err != nil {
		return err
	}

	cfg, shutdown, err := setup(ctx, cmd, os.Environ)
	if err != nil {
		return err
	}
	defer flushLogs(ctx, shutdown)

	session, err := app.NewSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	base := strings.TrimRight(session.Profile().BaseURL, "/")
	method := strings.ToUpper(cmd.String("method"))

	var out sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, int(cmd.Int("concurrency"))))

	for _, path := range paths {
		g.Go(func() error {
			url := base + "/" + strings.TrimLeft(path, "/")
			resp, err := session.Transport().Do(gCtx, method, url, header, nil)
			if err != nil {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("%s %s: reading response: %w", method, path, err)
			}

			out.Lock()
			defer out.Unlock()
			fmt.Printf("%s %s -> %d\n%s\n", method, path, resp.StatusCode, body)
			return nil
		})
	}

	return g.Wait()
}

// parseHeaders turns "Name: value" pairs into a header.
func parseHeaders(values []string) (http.Header, error) {
	header := make(http.Header, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q (expected Name: value)", v)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return header, nil
}
