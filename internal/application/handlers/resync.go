package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/markethub/relay/internal/infrastructure/logger"
	"github.com/markethub/relay/internal/infrastructure/platform"
	"github.com/markethub/relay/internal/relay"
)

// ResyncHandler refreshes the local view of a changed resource.
// Webhook payloads are thin notifications; the authoritative state is
// fetched back from the platform, which routes the read through the
// circuit breaker and the tenant's rate pool.
type ResyncHandler struct {
	client *platform.Client
	logger *zap.Logger
}

// NewResyncHandler creates a resync handler over the platform client.
func NewResyncHandler(client *platform.Client, logger *zap.Logger) *ResyncHandler {
	return &ResyncHandler{client: client, logger: logger}
}

var _ relay.Handler = (*ResyncHandler)(nil)

// notification is the minimal payload shape every topic shares.
type notification struct {
	ID json.Number `json:"id"`
}

// Handle fetches the changed resource named by the event topic.
func (h *ResyncHandler) Handle(ctx context.Context, event relay.Event) error {
	var note notification
	if err := json.Unmarshal(event.Payload, &note); err != nil {
		return relay.Permanent("decode notification payload", err)
	}
	if note.ID == "" {
		return relay.Permanent("notification carries no resource id", relay.ErrNoHandler)
	}

	resource, _, found := strings.Cut(event.Topic, "/")
	if !found || resource == "" {
		return relay.Permanent("topic names no resource: "+event.Topic, relay.ErrNoHandler)
	}

	endpoint := fmt.Sprintf("/%s/%s.json", resource, note.ID)
	body, err := h.client.Request(ctx, event.TenantID, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("resync %s: %w", endpoint, err)
	}

	// The worker attached the tenant and event ids to ctx; the context
	// logger folds them in.
	logger.WithLogger(ctx, h.logger).Info("resource resynced",
		zap.String("topic", event.Topic),
		zap.String("endpoint", endpoint),
		zap.Int("bytes", len(body)))
	return nil
}
