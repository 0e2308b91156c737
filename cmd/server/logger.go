package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLog emits one slog line per handled request. Successful traffic
// stays at debug, client errors at info, server errors at error, so the
// default log level surfaces only what needs attention.
func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"elapsed", time.Since(start).String(),
			"client", c.ClientIP(),
			"size", c.Writer.Size(),
		}
		if query != "" {
			attrs = append(attrs, "query", query)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Info("request", attrs...)
		default:
			logger.Debug("request", attrs...)
		}
	}
}

// serverErrorLog adapts net/http's ErrorLog to slog. Handshake errors from
// scanners probing hosts the cert manager does not serve are dropped; on a
// public address they would otherwise dominate the log.
func serverErrorLog(logger *slog.Logger) io.Writer {
	return &errorLogWriter{logger: logger}
}

type errorLogWriter struct {
	logger *slog.Logger
}

func (w *errorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" || isUnknownHostHandshake(line) {
		return len(p), nil
	}
	w.logger.Log(context.Background(), slog.LevelWarn, "http server", "detail", line)
	return len(p), nil
}

func isUnknownHostHandshake(line string) bool {
	return strings.Contains(line, "TLS handshake error") && strings.Contains(line, "not configured")
}
