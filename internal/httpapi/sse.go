package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamEvents relays events onto the client connection as they arrive,
// flushing after every write so no frame waits behind the next Upstream
// chunk. Mirrors the teacher's handleStreamResponse: SSE headers set
// before the first write, client disconnect stops writing but keeps
// draining events so the producer goroutine's Dispatch can still finish
// and record usage.
func streamEvents(c *gin.Context, events <-chan string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if ok {
		flusher.Flush()
	}

	clientGone := c.Request.Context().Done()
	gone := false

	for event := range events {
		if gone {
			continue
		}
		if _, err := c.Writer.Write([]byte(event)); err != nil {
			gone = true
			continue
		}
		if ok {
			flusher.Flush()
		}
		select {
		case <-clientGone:
			gone = true
		default:
		}
	}
}
