package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// Middleware tags every request with a request id (taken from X-Request-Id or
// generated) and writes one summary record when the handler chain returns.
// 5xx and handler errors log at error, 4xx at warn.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)

		reqLog := l.With("request_id", rid)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLog))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		}

		level := slog.LevelInfo
		switch {
		case len(c.Errors) > 0 || status >= 500:
			level = slog.LevelError
			if len(c.Errors) > 0 {
				attrs = append(attrs, slog.String("errors", c.Errors.String()))
			}
		case status >= 400:
			level = slog.LevelWarn
		}
		reqLog.LogAttrs(context.Background(), level, "request", attrs...)
	}
}

// FromGin is From for handlers that only hold the gin context.
func FromGin(c *gin.Context) *slog.Logger {
	return From(c.Request.Context())
}
