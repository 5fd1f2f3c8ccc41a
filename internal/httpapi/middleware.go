package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MimeLyc/docjobs/pkg/log"
)

const requestIDHeader = "X-Request-ID"

// requestLogger tags every request with an id and logs its completion.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(log.FieldRequestID, requestID)
		c.Header(requestIDHeader, requestID)

		c.Next()

		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		fields := log.Fields{
			log.FieldRequestID:  requestID,
			log.FieldComponent:  "api",
			log.FieldStatus:     c.Writer.Status(),
			log.FieldDurationMs: time.Since(start).Milliseconds(),
		}
		if code, ok := c.Get(log.FieldErrorCode); ok {
			fields[log.FieldErrorCode] = code
		}
		log.WithFields(fields).Infof("%s %s", c.Request.Method, fullPath)
	}
}
