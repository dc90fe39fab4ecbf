// Package httpapi wires the Executor onto gin routes implementing spec
// §6's HTTP surface: the Claude Messages and OpenAI chat-completions
// endpoints, the model listing, and the two admin read endpoints this
// expansion adds. Grounded on the teacher's main.go route-registration
// block and internal/handlers/proxy.go's streaming response loop,
// generalized from "channel proxy" to "Executor".
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/relaybridge/upstream-bridge/internal/apierr"
	"github.com/relaybridge/upstream-bridge/internal/config"
	"github.com/relaybridge/upstream-bridge/internal/executor"
	"github.com/relaybridge/upstream-bridge/internal/loadbalance"
	"github.com/relaybridge/upstream-bridge/internal/middleware"
	"github.com/relaybridge/upstream-bridge/internal/usage"
)

// Deps wires the pieces the HTTP layer needs beyond the Executor itself:
// the balancer and usage recorder back the two admin read endpoints
// (§12), not the core request path.
type Deps struct {
	Env      *config.EnvConfig
	Executor *executor.Executor
	Balancer *loadbalance.LoadBalancer
	Usage    *usage.Recorder // nil disables GET /v1/usage/summary
}

// New builds the gin.Engine serving every route in spec §6 plus the
// §12-supplemented admin endpoints. Mirrors the teacher's gin.New() +
// explicit middleware stack (no gin.Default(), to avoid its built-in
// request logger flooding the rotating log file).
func New(deps Deps) *gin.Engine {
	if deps.Env.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	if len(deps.Env.TrustedProxies) > 0 {
		_ = r.SetTrustedProxies(deps.Env.TrustedProxies)
	} else if deps.Env.IsProduction() {
		_ = r.SetTrustedProxies(nil)
	}

	r.Use(middleware.CORSMiddleware(deps.Env))

	r.GET("/", handleRoot(deps.Env))
	if deps.Env.HealthCheckEnabled {
		r.GET(deps.Env.HealthCheckPath, handleHealth)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.ProxyAuthMiddleware(deps.Env))
	{
		v1.GET("/models", handleModels)
		v1.POST("/chat/completions", handleChatCompletions(deps.Executor))
		v1.POST("/messages", handleMessages(deps.Executor))
		v1.POST("/messages/count_tokens", handleCountTokens(deps.Executor))
		v1.GET("/accounts/status", handleAccountsStatus(deps.Balancer))
		if deps.Usage != nil {
			v1.GET("/usage/summary", handleUsageSummary(deps.Usage))
		}
	}

	return r
}

func handleRoot(envCfg *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name": "relaybridge",
			"mode": "api-only",
			"endpoints": gin.H{
				"health":   envCfg.HealthCheckPath,
				"messages": "/v1/messages",
				"chat":     "/v1/chat/completions",
				"models":   "/v1/models",
			},
		})
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// writeAPIError maps an *apierr.Error onto the response per spec §7,
// attaching Retry-After when the Executor populated one.
func writeAPIError(c *gin.Context, apiErr *apierr.Error) {
	if apiErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	c.JSON(apiErr.HTTPStatus(), gin.H{
		"error": gin.H{
			"type":    string(apiErr.Kind),
			"message": apiErr.Error(),
		},
	})
}
