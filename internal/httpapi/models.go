package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// knownModels lists every resolved model name the router table and
// executor.ContextWindowFor recognize, surfaced via GET /v1/models.
var knownModels = []string{
	"claude-sonnet-4-5",
	"claude-opus-4-1",
	"claude-haiku-4-5",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
}

// handleModels implements GET /v1/models, branching on the client
// dialect per spec §6: a claude-cli User-Agent gets the Claude-style
// {data:[...]} shape, everything else gets the OpenAI-style
// {object:"list", data:[...]} shape.
func handleModels(c *gin.Context) {
	if strings.HasPrefix(c.GetHeader("User-Agent"), "claude-cli") {
		data := make([]gin.H, 0, len(knownModels))
		for _, id := range knownModels {
			data = append(data, gin.H{
				"id":           id,
				"display_name": id,
				"created_at":   0,
			})
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
		return
	}

	data := make([]gin.H, 0, len(knownModels))
	for _, id := range knownModels {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  0,
			"owned_by": "relaybridge",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
