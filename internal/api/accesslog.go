package api

import (
	"log/slog"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dudenrb/think41nikhil/internal/logger"
)

// accessLog writes one structured line per request through logger.L.
type accessLog struct{}

type accessLogEntry struct {
	log *slog.Logger
}

func (accessLog) NewLogEntry(r *http.Request) chiMiddleware.LogEntry {
	return &accessLogEntry{log: logger.FromContext(r.Context()).With(
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)}
}

func (e *accessLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	e.log.Info("Request served",
		"status", status,
		"bytes", bytes,
		"duration_ms", elapsed.Milliseconds(),
	)
}

func (e *accessLogEntry) Panic(v interface{}, stack []byte) {
	e.log.Error("Request panicked", "panic", v, "stack", string(stack))
}
