package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaybridge/upstream-bridge/internal/apierr"
	"github.com/relaybridge/upstream-bridge/internal/executor"
)

func handleChatCompletions(exec *executor.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeAPIError(c, apierr.Wrap(apierr.KindInvalidRequest, "failed to read request body", err))
			return
		}

		result, apiErr := exec.ExecuteChatCompletions(c.Request.Context(), body)
		if apiErr != nil {
			writeAPIError(c, apiErr)
			return
		}

		if result.Unary != nil {
			c.JSON(http.StatusOK, result.Unary)
			return
		}
		streamEvents(c, result.Events)
	}
}
