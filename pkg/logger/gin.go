package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-Id"
	ginLoggerKey    = "logger"
)

// Middleware returns a Gin middleware that injects request_id and logs request summaries.
// The request-scoped logger is available via FromGin and FromContext(c.Request.Context()).
func Middleware(l *zap.Logger) gin.HandlerFunc {
	l = OrNop(l)
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With(zap.String("request_id", rid))
		c.Set(ginLoggerKey, reqLogger)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			reqLogger.Error("request", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		reqLogger.Info("request", fields...)
	}
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *zap.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.L()
}

// Enrich adds fields to the request-scoped logger for the rest of the chain.
func Enrich(c *gin.Context, fields ...zap.Field) {
	l := FromGin(c).With(fields...)
	c.Set(ginLoggerKey, l)
	c.Request = c.Request.WithContext(WithContext(c.Request.Context(), l))
}
