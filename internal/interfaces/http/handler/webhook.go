package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/markethub/relay/internal/application/ingest"
	"github.com/markethub/relay/internal/infrastructure/metrics"
	"github.com/markethub/relay/internal/interfaces/http/middleware"
)

// Maximum webhook payload size (256KB covers every documented topic)
const maxWebhookPayloadSize = 256 * 1024

// Webhook headers sent by the marketplace provider.
const (
	HeaderHMAC       = "X-Marketplace-Hmac-Sha256"
	HeaderShopDomain = "X-Marketplace-Shop-Domain"
	HeaderTimestamp  = "X-Marketplace-Timestamp"
	HeaderEventID    = "X-Marketplace-Event-Id"
)

// WebhookHandler receives marketplace webhook deliveries.
// These endpoints are called by the provider and authenticate with an
// HMAC signature instead of a user session.
type WebhookHandler struct {
	intake  *ingest.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(intake *ingest.Service, m *metrics.Metrics, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		intake:  intake,
		metrics: m,
		logger:  logger,
	}
}

// WebhookResponse represents the response for a webhook delivery
type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RegisterRoutes registers the webhook endpoints
func (h *WebhookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/*topic", middleware.BodyLimit(maxWebhookPayloadSize), h.HandleWebhook)
}

// HandleWebhook authenticates and queues one delivery, acknowledging
// immediately. Processing happens in the worker pool; the provider only
// ever waits for claim plus enqueue.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	topic := strings.Trim(c.Param("topic"), "/")
	if topic == "" {
		c.JSON(http.StatusBadRequest, WebhookResponse{Message: "missing topic"})
		return
	}

	// The raw body is needed verbatim for signature verification. The
	// BodyLimit middleware caps how much of it can arrive.
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, WebhookResponse{Message: "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, WebhookResponse{Message: "failed to read request body"})
		return
	}

	tenant := c.GetHeader(HeaderShopDomain)
	if tenant == "" {
		h.metrics.IncEvent(topic, "rejected")
		c.JSON(http.StatusBadRequest, WebhookResponse{Message: "missing shop domain header"})
		return
	}

	ack, err := h.intake.ProcessWebhook(
		c.Request.Context(),
		tenant,
		topic,
		payload,
		c.GetHeader(HeaderHMAC),
		c.GetHeader(HeaderTimestamp),
		c.GetHeader(HeaderEventID),
	)
	if err != nil {
		h.metrics.IncEvent(topic, "rejected")
		switch {
		case errors.Is(err, ingest.ErrMissingSignature),
			errors.Is(err, ingest.ErrStaleTimestamp),
			errors.Is(err, ingest.ErrBadSignature):
			c.JSON(http.StatusUnauthorized, WebhookResponse{Message: "signature verification failed"})
		case errors.Is(err, ingest.ErrInvalidTenant),
			errors.Is(err, ingest.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, WebhookResponse{Message: "invalid webhook"})
		default:
			// Intake is down; a 5xx makes the provider redeliver rather
			// than drop the event.
			h.logger.Error("webhook intake failed",
				zap.String("tenant", tenant),
				zap.String("topic", topic),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, WebhookResponse{Message: "intake unavailable"})
		}
		return
	}

	// Expose the verified delivery to the access log.
	c.Set("tenant_id", tenant)
	c.Set("event_id", ack.EventID)

	h.metrics.IncEvent(topic, string(ack.Status))
	c.JSON(http.StatusOK, WebhookResponse{
		Received: true,
		EventID:  ack.EventID,
		Status:   string(ack.Status),
	})
}
