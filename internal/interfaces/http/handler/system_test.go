package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/markethub/relay/internal/infrastructure/breaker"
	"github.com/markethub/relay/internal/infrastructure/idempotency"
	"github.com/markethub/relay/internal/infrastructure/queue"
	"github.com/markethub/relay/internal/infrastructure/ratepool"
	"github.com/markethub/relay/internal/relay"
)

func setupSystemRouter(t *testing.T) (*gin.Engine, *breaker.Registry, *queue.GormRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&queue.Job{}))

	store := idempotency.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	pool := ratepool.NewManager(ratepool.Config{})
	t.Cleanup(pool.Stop)

	repo := queue.NewGormRepository(db)
	breakers := breaker.NewRegistry(breaker.Config{})

	engine := gin.New()
	NewSystemHandler(repo, breakers, pool, store).RegisterRoutes(engine.Group(""))
	return engine, breakers, repo
}

func TestHealthz(t *testing.T) {
	engine, _, _ := setupSystemRouter(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.Uptime)
}

func TestDiagnosticsSnapshot(t *testing.T) {
	engine, breakers, repo := setupSystemRouter(t)

	job := queue.NewJob(relay.Event{
		EventID:  "evt-1",
		TenantID: "shop-a.example.com",
		Topic:    "orders/create",
		Payload:  []byte(`{}`),
	}, relay.PriorityCritical, 3)
	require.NoError(t, repo.Enqueue(context.Background(), job))

	breakers.Force("tenant:shop-a.example.com:rest:GET:/orders.json", breaker.StateOpen)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp DiagnosticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Queue[string(queue.StatusQueued)])
	require.Len(t, resp.Circuits, 1)
	assert.Equal(t, "OPEN", resp.Circuits[0].State)
	assert.False(t, resp.IdempotencyDegraded)
}
