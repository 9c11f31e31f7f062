package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event is a single inbound platform notification after ingress validation.
// EventID doubles as the deduplication key for the idempotency store.
type Event struct {
	EventID    string
	TenantID   string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes one event for a topic. Implementations are expected to
// route any third-party API calls through the rate pool and circuit breaker.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// DeriveEventID computes a stable deduplication key for sources that do not
// supply one. Only stable fields participate: hashing anything volatile
// (timestamps, delivery counters) would make a redelivered event look new
// and defeat deduplication.
func DeriveEventID(tenantID, topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
