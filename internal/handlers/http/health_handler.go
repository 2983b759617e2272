package http

import (
	"net/http"

	"roomcast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayStats is what the health endpoint reports about the local hub.
type GatewayStats interface {
	ConnectionCount() int
	RoomCount() int
}

type HealthHandler struct {
	checker  *monitoring.HealthChecker
	gateway  GatewayStats
	gatherer prometheus.Gatherer
}

// NewHealthHandler serves /metrics from gatherer when it is not nil.
func NewHealthHandler(checker *monitoring.HealthChecker, gateway GatewayStats, gatherer prometheus.Gatherer) *HealthHandler {
	return &HealthHandler{
		checker:  checker,
		gateway:  gateway,
		gatherer: gatherer,
	}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// Health is liveness only; it never touches the stores.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.gateway.ConnectionCount(),
		"rooms":       h.gateway.RoomCount(),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
