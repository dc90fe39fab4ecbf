package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaybridge/upstream-bridge/internal/loadbalance"
	"github.com/relaybridge/upstream-bridge/internal/usage"
)

// handleAccountsStatus implements the §12-supplemented GET
// /v1/accounts/status: a read-only snapshot of the load balancer's
// per-account availability, for an operator dashboard or health probe.
func handleAccountsStatus(balancer *loadbalance.LoadBalancer) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		snapshot := balancer.Snapshot()

		accounts := make([]gin.H, 0, len(snapshot))
		for _, st := range snapshot {
			accounts = append(accounts, gin.H{
				"account_id":        st.AccountID,
				"available":         st.Available(),
				"is_rate_limited":   st.IsRateLimited,
				"rate_limit_expiry": st.RateLimitExpiry,
				"is_quota_exceeded": st.IsQuotaExceeded,
				"request_count":     st.RequestCount,
				"last_used":         st.LastUsed,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"as_of":           now,
			"available_count": balancer.AvailableCount(now),
			"accounts":        accounts,
		})
	}
}

// handleUsageSummary implements the §12-supplemented GET
// /v1/usage/summary: aggregated token usage over a trailing window,
// sized in hours by the optional "hours" query parameter (default 24).
func handleUsageSummary(recorder *usage.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		hours := 24
		if raw := c.Query("hours"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				hours = n
			}
		}

		end := time.Now()
		start := end.Add(-time.Duration(hours) * time.Hour)

		summary, err := recorder.Summarize(c.Request.Context(), start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"type": "internal", "message": err.Error()}})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"window_hours":      hours,
			"totals":            summary.Totals,
			"distinct_accounts": summary.DistinctAccounts,
			"by_model":          summary.ByModel,
			"by_account":        summary.ByAccount,
		})
	}
}
