package kernel

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/concordkit/concord/internal/coordination"
	"github.com/concordkit/concord/internal/health"
	"github.com/concordkit/concord/internal/observability"
	"github.com/concordkit/concord/internal/state"
)

const peerHeader = "X-Concord-Peer"

// HTTPConfig shapes the kernel's HTTP coordination surface.
type HTTPConfig struct {
	Addr          string
	Component     string
	CorsOrigins   []string
	Authenticator interface {
		AuthenticateRequest(peer, token string) error
	}
}

// NewRouter builds the gin router serving health, metrics, recent results,
// and the inbound coordination endpoint.
func NewRouter(cfg HTTPConfig, k *Kernel, monitor *health.Monitor) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(log.Logger))
	router.Use(observability.RequestMetricsMiddleware(cfg.Component))

	if len(cfg.CorsOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.CorsOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", peerHeader)
		router.Use(cors.New(corsCfg))
	}

	router.GET("/health", func(c *gin.Context) {
		report, err := k.GetHealthStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, healthPayload(report))
	})

	router.GET("/ready", func(c *gin.Context) {
		status := k.store.Status()
		if status == state.StatusReady || status == state.StatusDegraded {
			c.JSON(http.StatusOK, gin.H{"status": string(status)})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": string(status)})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/operations/recent", func(c *gin.Context) {
		records := monitor.RecentResults()
		out := make([]gin.H, 0, len(records))
		for _, rec := range records {
			out = append(out, gin.H{
				"operation_id": rec.OperationID,
				"kind":         rec.Kind,
				"success":      rec.Success,
				"duration_ms":  rec.Duration.Milliseconds(),
				"completed_at": rec.CompletedAt.Format(time.RFC3339Nano),
			})
		}
		c.JSON(http.StatusOK, gin.H{"operations": out})
	})

	router.POST("/coordination", func(c *gin.Context) {
		peer := strings.TrimSpace(c.GetHeader(peerHeader))
		token := bearerToken(c.GetHeader("Authorization"))
		if cfg.Authenticator != nil {
			if err := cfg.Authenticator.AuthenticateRequest(peer, token); err != nil {
				log.Warn().Str("peer", peer).Err(err).Msg("coordination request rejected")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		var req coordination.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		resp, err := k.ProcessCoordinationRequest(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, coordination.Response{
				RequestID:    req.RequestID,
				ResponseType: req.RequestType,
				Status:       coordination.ResponseStatusError,
				Errors:       []string{err.Error()},
			})
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	return router
}

func healthPayload(report health.Report) gin.H {
	return gin.H{
		"status":               string(report.ComponentStatus),
		"uptime_ms":            report.Uptime.Milliseconds(),
		"last_heartbeat":       report.LastHeartbeat.Format(time.RFC3339Nano),
		"active_operations":    report.ActiveOperations,
		"loaded_methodologies": report.LoadedMethodologies,
		"metrics": gin.H{
			"total_operations":     report.Metrics.TotalOperations,
			"succeeded_operations": report.Metrics.SucceededOperations,
			"failed_operations":    report.Metrics.FailedOperations,
			"error_rate":           report.Metrics.ErrorRate,
			"avg_latency_ms":       report.Metrics.AvgLatency.Milliseconds(),
			"max_latency_ms":       report.Metrics.MaxLatency.Milliseconds(),
		},
		"checked_at": report.CheckedAt.Format(time.RFC3339Nano),
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
