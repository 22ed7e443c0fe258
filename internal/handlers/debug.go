package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"estatechat/internal/telemetry"
	"estatechat/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints. These are disabled
// outside development.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, broker *ws.Broker, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/realtime-topics", func(c *gin.Context) {
		if broker == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"topics": broker.TopicCounts()})
	})
}
