package middleware

import (
	"crypto/subtle"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaybridge/upstream-bridge/internal/config"
)

// secureCompare performs a constant-time comparison of two strings to
// prevent timing attacks on the proxy access key.
func secureCompare(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// getAPIKey extracts the caller's credential from x-api-key or a Bearer
// Authorization header, matching both dialects' client conventions.
func getAPIKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ProxyAuthMiddleware gates every request-path endpoint behind a single
// shared access key, constant-time compared against EnvConfig's
// configured value.
func ProxyAuthMiddleware(envCfg *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := getAPIKey(c)

		if secureCompare(providedKey, envCfg.ProxyAccessKey) {
			c.Next()
			return
		}

		if envCfg.ShouldLog("warn") {
			log.Printf("proxy auth failed - ip: %s", c.ClientIP())
		}

		c.JSON(401, gin.H{"error": "Invalid proxy access key"})
		c.Abort()
	}
}
