package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/server/router"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID reuses the caller's X-Request-ID or generates one, and stores it in the request
// context and the response headers.
func RequestID() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			requestID := c.Request().Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}

			c.Set(string(requestIDKey), requestID)
			c.Response().Header().Set(RequestIDHeader, requestID)
			c.SetRequest(c.Request().WithContext(context.WithValue(c.Request().Context(), requestIDKey, requestID)))
			return next(c)
		}
	}
}

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// Logging logs every request. Probes and scrapes arrive every few seconds, so completed requests
// are logged at debug level; failures and 5xx responses at error level.
func Logging(log logger.Logger) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			fields := []any{
				"request_id", GetRequestID(req.Context()),
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", req.RemoteAddr,
			}
			switch {
			case err != nil:
				log.Error("request failed", append(fields, "error", err)...)
			case c.Response().Status() >= http.StatusInternalServerError:
				log.Error("request completed", fields...)
			default:
				log.Debug("request completed", fields...)
			}
			return err
		}
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery(log logger.Logger) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				requestID := GetRequestID(c.Request().Context())
				log.Error("panic recovered", "request_id", requestID, "panic", r, "stack", string(debug.Stack()))
				if !c.Response().Written() {
					err = c.JSON(http.StatusInternalServerError, map[string]any{
						"error":      "internal_server_error",
						"message":    "an unexpected error occurred",
						"request_id": requestID,
					})
				}
			}()
			return next(c)
		}
	}
}
