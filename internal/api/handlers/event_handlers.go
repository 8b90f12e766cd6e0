package handlers

import (
	"io"
	"net/http"
	"time"

	"facegate/internal/server/sse"

	"github.com/gin-gonic/gin"
)

// keepAliveInterval hält Proxies zwischen zwei Ereignissen offen
var keepAliveInterval = 30 * time.Second

// StreamEvents überträgt Ereignisse per Server-Sent Events
func (h *APIHandler) StreamEvents(c *gin.Context) {
	if h.Hub == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ctx := c.Request.Context()
	client := make(sse.Client, 10)
	if !h.Hub.Register(ctx, client) {
		return
	}
	defer h.Hub.Unregister(client)

	// Verbindung sofort bestätigen
	c.SSEvent("ready", "{}")
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("message", string(msg))
			return true
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		case <-ctx.Done():
			return false
		}
	})
}
