package http

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const keepAliveInterval = 15 * time.Second

// GET /api/payments/events streams transitions as server-sent events.
// Consumers must tolerate gaps and fall back to polling.
func (s *Server) handleEvents(c *gin.Context) {
	if s.feed == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "Events not configured"})
		return
	}

	ctx := c.Request.Context()
	sub, err := s.feed.Subscribe(ctx)
	if err != nil {
		s.log.Warn("failed to subscribe to event feed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "Events unavailable"})
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-keepAlive.C:
			c.SSEvent("keepalive", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-ctx.Done():
			return false
		}
	})
}
