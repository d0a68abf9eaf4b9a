package dashboard

import (
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
)

// heartbeatEvery keeps idle proxies from closing the stream.
const heartbeatEvery = 15 * time.Second

// handleEvents streams the queue status as server-sent events. A "queue"
// event is sent on connect and again whenever the status changes.
func handleEvents(src Source, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		last := src.QueueStatus()
		c.SSEvent("queue", last)
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(interval)
		heartbeat := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
				c.Writer.Flush()
			case <-ticker.C:
				cur := src.QueueStatus()
				if reflect.DeepEqual(cur, last) {
					continue
				}
				last = cur
				c.SSEvent("queue", cur)
				c.Writer.Flush()
			}
		}
	}
}
