// Package middleware holds the gin middleware shared by the API routes.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogging logs one line per request with method, path, status and
// latency. Streaming requests log when the stream ends.
func RequestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"status":  status,
			"latency": latency.Round(time.Millisecond).String(),
			"client":  c.ClientIP(),
		})
		msg := c.Request.Method + " " + c.Request.URL.Path
		switch {
		case status >= 500:
			entry.Error(msg)
		case status >= 400:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}
