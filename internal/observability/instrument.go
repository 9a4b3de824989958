package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the OTel bridge.
const instrumentationName = "github.com/daaily/daaily-go"

// Log exporters accepted by Instrument.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlphttp"
	ExporterOTLPGRPC = "otlpgrpc"
)

// ShutdownFunc flushes and releases logging resources.
type ShutdownFunc func(context.Context) error

// Instrument installs the process-wide default logger.
//
// With exporter "none" (or empty) records are written to stdout in logFormat.
// Any other exporter routes records through the OpenTelemetry log SDK; the
// OTLP exporters read their endpoint from the standard OTEL_EXPORTER_OTLP_*
// environment variables. The returned ShutdownFunc must be called on exit.
func Instrument(ctx context.Context, level slog.Level, logFormat, exporter string) (ShutdownFunc, error) {
	var (
		handler  slog.Handler
		shutdown ShutdownFunc = func(context.Context) error { return nil }
		err      error
	)

	switch strings.ToLower(exporter) {
	case "", ExporterNone:
		handler, err = newStdoutHandler(os.Stdout, level, logFormat)
	default:
		handler, shutdown, err = newOTelHandler(ctx, level, exporter)
	}
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(newContextHandler(handler)))

	return shutdown, nil
}

// newStdoutHandler creates a handler for human-readable logs.
func newStdoutHandler(w io.Writer, level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}

	return handler, nil
}

// newOTelHandler bridges slog into an OpenTelemetry logger provider that drops
// records below level before they are batched for export.
func newOTelHandler(ctx context.Context, level slog.Level, exporterName string) (slog.Handler, ShutdownFunc, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	switch strings.ToLower(exporterName) {
	case ExporterStdout:
		exporter, err = stdoutlog.New()
	case ExporterOTLPHTTP:
		exporter, err = otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		exporter, err = otlploggrpc.New(ctx)
	default:
		return nil, nil, fmt.Errorf("unsupported log exporter %q (expected: none, stdout, otlphttp, otlpgrpc)", exporterName)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s log exporter: %w", exporterName, err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

	handler := otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))
	return handler, provider.Shutdown, nil
}

// severity maps slog levels onto the minimum severity of the OTel pipeline.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
