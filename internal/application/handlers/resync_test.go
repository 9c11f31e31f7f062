package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markethub/relay/internal/infrastructure/breaker"
	"github.com/markethub/relay/internal/infrastructure/platform"
	"github.com/markethub/relay/internal/infrastructure/ratepool"
	"github.com/markethub/relay/internal/relay"
)

func testHandler(t *testing.T, baseURL string) *ResyncHandler {
	t.Helper()

	pool := ratepool.NewManager(ratepool.Config{})
	t.Cleanup(pool.Stop)

	client := platform.NewClient(platform.Config{BaseURLOverride: baseURL},
		breaker.NewRegistry(breaker.Config{}), pool, zap.NewNop())
	client.SetAccessToken("shop-a.example.com", "token-a")

	return NewResyncHandler(client, zap.NewNop())
}

func testEvent(topic string, payload string) relay.Event {
	return relay.Event{
		EventID:    "evt-1",
		TenantID:   "shop-a.example.com",
		Topic:      topic,
		Payload:    []byte(payload),
		ReceivedAt: time.Now(),
	}
}

func TestResyncFetchesChangedResource(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"order":{"id":450789469}}`))
	}))
	defer srv.Close()

	h := testHandler(t, srv.URL)
	err := h.Handle(context.Background(), testEvent("orders/create", `{"id":450789469}`))
	require.NoError(t, err)
	assert.Equal(t, "/orders/450789469.json", path.Load())
}

func TestResyncRejectsPayloadWithoutID(t *testing.T) {
	h := testHandler(t, "http://unused")

	err := h.Handle(context.Background(), testEvent("orders/create", `{"note":"no id"}`))
	require.Error(t, err)
	assert.True(t, relay.IsPermanent(err), "missing id cannot be fixed by retrying")

	err = h.Handle(context.Background(), testEvent("orders/create", `not json`))
	require.Error(t, err)
	assert.True(t, relay.IsPermanent(err))
}

func TestResyncRejectsResourcelessTopic(t *testing.T) {
	h := testHandler(t, "http://unused")
	err := h.Handle(context.Background(), testEvent("ping", `{"id":1}`))
	require.Error(t, err)
	assert.True(t, relay.IsPermanent(err))
}

func TestResyncPropagatesUpstreamFailureAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := testHandler(t, srv.URL)
	err := h.Handle(context.Background(), testEvent("orders/create", `{"id":1}`))
	require.Error(t, err)
	assert.False(t, relay.IsPermanent(err), "5xx should retry")
}

func TestResyncGoneResourceIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := testHandler(t, srv.URL)
	err := h.Handle(context.Background(), testEvent("orders/delete", `{"id":1}`))
	require.Error(t, err)
	assert.True(t, relay.IsPermanent(err), "404 cannot be fixed by retrying")
}
