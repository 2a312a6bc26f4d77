// Package observability provides logging, metrics, and tracing setup shared
// by every composition root.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/freesidenomad/commandbus/internal/config"
)

// SetupLogger configures a slog logger with environment fields. JSON in
// non-dev environments, text handler in dev for readability at the console.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if cfg.IsDev() {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}

type loggerKey struct{}

// ContextWithLogger attaches a logger to ctx, so callers deeper in a
// command's processing path inherit fields like command_id and domain
// without threading a *slog.Logger through every signature.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger attached by ContextWithLogger, or
// slog.Default() if none was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// WithCommandFields returns a logger enriched with the command identity
// fields that should appear on every log line emitted while processing it.
func WithCommandFields(logger *slog.Logger, domainName, commandID, commandType string) *slog.Logger {
	return logger.With(
		slog.String("domain", domainName),
		slog.String("command_id", commandID),
		slog.String("command_type", commandType),
	)
}
