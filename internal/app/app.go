package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daaily/daaily-go/internal/proxy"
)

// shutdownTimeout bounds graceful shutdown of all services.
const shutdownTimeout = 5 * time.Second

// App orchestrates the lifecycle of the proxy server and related services.
type App struct {
	cfg     *Config
	session *Session
	health  *Health
	proxy   *proxy.Proxy
}

// New creates a new App instance.
func New(ctx context.Context, cfg *Config, opts ...SessionOption) (*App, error) {
	session, err := NewSession(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	upstream := cfg.Proxy.Upstream
	if upstream == "" {
		upstream = session.Profile().BaseURL
	}

	health := NewHealth()
	proxyServer, err := proxy.New(upstream, session.Transport(), health,
		proxy.WithMaxRequestBytes(cfg.Proxy.MaxRequestBytes),
	)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:     cfg,
		session: session,
		health:  health,
		proxy:   proxyServer,
	}, nil
}

// Health returns the readiness state served on /readyz.
func (a *App) Health() *Health {
	return a.health
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return a.session.Close() })

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "upstream_profile", a.session.Profile().Name)
	proxyErrCh, err := a.proxy.Start(gCtx, a.cfg.Proxy.Addr)
	if err != nil {
		_ = a.session.Close()
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	// Warm-up: readiness flips once a bearer token has been acquired.
	g.Go(func() error {
		if err := a.warmUp(gCtx); err != nil {
			slog.ErrorContext(gCtx, "initial token acquisition failed", "error", err)
			return fmt.Errorf("warm-up: %w", err)
		}
		return nil
	})

	runtimeErr := g.Wait()
	a.health.SetReady(false)

	slog.InfoContext(ctx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.InfoContext(ctx, "application stopped")
	return nil
}

func (a *App) warmUp(ctx context.Context) error {
	if _, err := a.session.Transport().Token(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	a.health.SetReady(true)
	slog.InfoContext(ctx, "credential acquired, proxy ready")
	return nil
}
