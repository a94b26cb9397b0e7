package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"
)

// RequestLogger tags each request with an id and logs its outcome.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()
		requestLogger(c).WithFields(log.Fields{
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	}
}

func requestLogger(c *gin.Context) *log.Entry {
	fields := log.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
	}
	if id, ok := c.Get(requestIDContextKey); ok {
		fields["request_id"] = id
	}
	return log.WithFields(fields)
}
