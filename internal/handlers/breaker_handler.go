package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/circuitbreaker"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

// BreakerHandler exposes circuit breaker observability to the admin
// dashboard.
type BreakerHandler struct {
	registry *circuitbreaker.Registry
}

func NewBreakerHandler(registry *circuitbreaker.Registry) *BreakerHandler {
	return &BreakerHandler{registry: registry}
}

func (h *BreakerHandler) GetAllStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.AllStats())
}

func (h *BreakerHandler) Reset(c *gin.Context) {
	name := c.Param("name")
	if err := h.registry.Reset(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	telemetry.Logger.Info("Circuit breaker manually reset", zap.String("service", name))
	c.JSON(http.StatusOK, gin.H{"status": "reset", "service": name})
}
