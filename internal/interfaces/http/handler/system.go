package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/markethub/relay/internal/infrastructure/breaker"
	"github.com/markethub/relay/internal/infrastructure/idempotency"
	"github.com/markethub/relay/internal/infrastructure/queue"
	"github.com/markethub/relay/internal/infrastructure/ratepool"
)

// SystemHandler serves health and diagnostics endpoints for operators.
type SystemHandler struct {
	repo      queue.Repository
	breakers  *breaker.Registry
	pool      *ratepool.Manager
	store     idempotency.Store
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(repo queue.Repository, breakers *breaker.Registry, pool *ratepool.Manager, store idempotency.Store) *SystemHandler {
	return &SystemHandler{
		repo:      repo,
		breakers:  breakers,
		pool:      pool,
		store:     store,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers the system endpoints
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/healthz", h.Healthz)
	rg.GET("/diagnostics", h.Diagnostics)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// Healthz reports liveness.
func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// DiagnosticsResponse represents the full diagnostics snapshot
type DiagnosticsResponse struct {
	Queue               map[string]int64          `json:"queue"`
	Circuits            []breaker.Snapshot        `json:"circuits"`
	RatePools           []ratepool.TenantSnapshot `json:"rate_pools"`
	IdempotencyDegraded bool                      `json:"idempotency_degraded"`
}

// Diagnostics returns the observable state of every resilience layer:
// queue depth by status, circuit snapshots, per-tenant rate pools and
// the idempotency degraded flag.
func (h *SystemHandler) Diagnostics(c *gin.Context) {
	counts, err := h.repo.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}

	queueCounts := make(map[string]int64, len(counts))
	for status, n := range counts {
		queueCounts[string(status)] = n
	}

	c.JSON(http.StatusOK, DiagnosticsResponse{
		Queue:               queueCounts,
		Circuits:            h.breakers.Snapshots(),
		RatePools:           h.pool.Snapshots(),
		IdempotencyDegraded: h.store.Degraded(),
	})
}
