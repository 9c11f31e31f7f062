package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/markethub/relay/internal/infrastructure/metrics"
)

// MetricsHandler exposes the Prometheus scrape endpoint.
type MetricsHandler struct {
	metrics *metrics.Metrics
}

// NewMetricsHandler creates a new MetricsHandler
func NewMetricsHandler(m *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: m}
}

// RegisterRoutes registers the scrape endpoint
func (h *MetricsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}
