package http

import (
	"context"
	"net/http"
	"time"

	"amalive/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker     *monitoring.HealthChecker
	startTime   time.Time
	connections func() int
	timeout     time.Duration
}

// NewHealthHandler reports liveness and readiness. connections may be nil.
func NewHealthHandler(checker *monitoring.HealthChecker, connections func() int) *HealthHandler {
	return &HealthHandler{
		checker:     checker,
		startTime:   time.Now(),
		connections: connections,
		timeout:     2 * time.Second,
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	}
	if h.connections != nil {
		resp["connections"] = h.connections()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	if status.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "not_ready",
			"timestamp": status.Timestamp,
			"checks":    status.Checks,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": status.Timestamp,
		"checks":    status.Checks,
	})
}
