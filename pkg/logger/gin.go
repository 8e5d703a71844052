package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// Middleware tags every request with a request id (taken from X-Request-Id when
// the caller sends one) and a run_id when the route carries it, then logs one
// summary line per request. 5xx logs at error, 4xx at warn.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)

		args := []any{"request_id", rid}
		if runID := c.Param("run_id"); runID != "" {
			args = append(args, "run_id", runID)
		}
		c.Request = c.Request.WithContext(With(c.Request.Context(), l.With(args...)))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		// Handlers may have enriched the logger (identity, org).
		FromGin(c).Log(c.Request.Context(), levelForStatus(status), "request", attrs...)
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// FromGin returns the request logger.
func FromGin(c *gin.Context) *slog.Logger {
	return From(c.Request.Context())
}

// EnrichGin adds attributes to the request logger for the rest of the chain.
func EnrichGin(c *gin.Context, args ...any) *slog.Logger {
	ctx, l := Enrich(c.Request.Context(), args...)
	c.Request = c.Request.WithContext(ctx)
	return l
}
