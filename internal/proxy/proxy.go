// Package proxy exposes the Daaily API on a local address, authorizing every
// forwarded request with the shared credential.
//
// Clients talk plain HTTP to the proxy and never see the API key, the
// bearer token, or the refresh token:
//
//	curl http://127.0.0.1:4000/products
//
// Forwarding is done by httputil.ReverseProxy on top of the authorized
// transport, so token acquisition, renewal and 401 replays happen upstream of
// the proxy handler.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/daaily/daaily-go/internal/observability/middleware"
)

// DefaultMaxRequestBytes bounds forwarded request bodies. Bodies are buffered
// so they can be replayed after a token refresh.
const DefaultMaxRequestBytes = 10 << 20

// ReadinessChecker reports whether the proxy may receive traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Proxy forwards requests to the upstream API.
type Proxy struct {
	handler         http.Handler
	logger          *slog.Logger
	maxRequestBytes int64

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Compile-time check that Proxy implements http.Handler interface
var _ http.Handler = (*Proxy)(nil)

// Option configures a Proxy.
type Option func(*Proxy)

// WithMaxRequestBytes overrides DefaultMaxRequestBytes.
func WithMaxRequestBytes(n int64) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.maxRequestBytes = n
		}
	}
}

// WithLogger sets the logger used for request logs.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a Proxy forwarding to upstream through transport, which is
// expected to authorize requests.
func New(upstream string, transport http.RoundTripper, health ReadinessChecker, opts ...Option) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host are required", upstream)
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	p := &Proxy{
		logger:          slog.Default(),
		maxRequestBytes: DefaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(p)
	}

	reverse := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// The upstream credential replaces whatever the client sent.
			pr.Out.Header.Del("Authorization")
			if id, ok := middleware.RequestIDFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		Transport:    transport,
		ErrorHandler: errorHandler,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", livenessHandler())
	mux.Handle("GET /readyz", readinessHandler(health))
	mux.Handle("/", reverse)

	p.handler = applyMiddlewares(mux,
		Recovery,
		middleware.RequestIDGeneration,
		middleware.TraceContextExtraction,
		middleware.Logging(p.logger),
		middleware.RequestIDPropagation,
		RequestSizeLimit(p.maxRequestBytes),
	)

	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background. The returned channel
// receives a runtime error, if any, and is closed when serving stops.
func (p *Proxy) Start(ctx context.Context, addr string) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return nil, errors.New("proxy already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	p.listener = ln
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.InfoContext(ctx, "proxy listening", "addr", ln.Addr().String())
	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Shutdown gracefully stops the server, waiting for in-flight requests until
// ctx is done.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("proxy shutdown: %w", err)
	}
	return nil
}
