// logging.go -- Request-scoped slog helpers for the auth handlers.
//
// Every line carries the chi request id and, when the request is traced, the
// OpenTelemetry trace id, so a log line can be matched to its span.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"ip", r.RemoteAddr,
		"user_agent", r.UserAgent(),
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		attrs = append(attrs, "trace_id", sc.TraceID().String())
	}
	return attrs
}

func logAt(r *http.Request, level slog.Level, msg string, args ...any) {
	ctx := r.Context()
	if !slog.Default().Enabled(ctx, level) {
		return
	}
	slog.Log(ctx, level, msg, append(reqAttrs(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args...) }
func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args...) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args...) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args...) }

