package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleJobEvents streams the job record as server-sent events whenever it
// changes, and ends once the job is terminal or the client goes away.
func (s *Server) handleJobEvents(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	var lastUpdate time.Time
	send := func() bool {
		if rec.UpdatedAt.Equal(lastUpdate) {
			return true
		}
		lastUpdate = rec.UpdatedAt
		c.SSEvent("job", rec)
		c.Writer.Flush()
		return !rec.Status.Terminal()
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			next, err := s.svc.Get(c.Request.Context(), id)
			if err != nil {
				c.SSEvent("error", errorBodyFrom(err))
				c.Writer.Flush()
				return
			}
			rec = next
			if !send() {
				return
			}
		}
	}
}
