package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/restreamer/internal/logging"
)

// HTTPLoggingMiddleware logs each request at a level chosen by its outcome:
// server errors at error, client errors at warn, health probes and event
// streams at debug, everything else at info.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	logger := logging.GetLogger("http")

	next(ctx)

	path := ctx.URL().Path
	attrs := []slog.Attr{
		slog.String("method", ctx.Method()),
		slog.String("path", path),
		slog.String("remote_addr", ctx.RemoteAddr()),
		slog.Int("status", ctx.Status()),
		slog.Duration("duration", time.Since(start)),
	}
	if query := ctx.URL().RawQuery; query != "" && !strings.Contains(query, "auth=") {
		attrs = append(attrs, slog.String("query", query))
	}

	level := slog.LevelInfo
	switch status := ctx.Status(); {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	case path == "/api/health" || path == "/api/events":
		level = slog.LevelDebug
	}
	logger.LogAttrs(ctx.Context(), level, "HTTP request completed", attrs...)
}
