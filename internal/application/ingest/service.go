package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markethub/relay/internal/infrastructure/idempotency"
	"github.com/markethub/relay/internal/infrastructure/queue"
	"github.com/markethub/relay/internal/relay"
)

var (
	// ErrInvalidTenant indicates a malformed shop domain.
	ErrInvalidTenant = errors.New("ingest: invalid tenant domain")
	// ErrInvalidPayload indicates the webhook body is not a JSON object.
	ErrInvalidPayload = errors.New("ingest: invalid webhook payload")
)

// AckStatus says what happened to a submitted event.
type AckStatus string

const (
	// AckAccepted means the event was claimed and queued.
	AckAccepted AckStatus = "accepted"
	// AckDuplicate means another delivery of the same event got there
	// first; this one is acknowledged but not queued.
	AckDuplicate AckStatus = "duplicate"
)

// Ack is the intake outcome returned to the webhook ingress.
type Ack struct {
	EventID  string
	Status   AckStatus
	Priority relay.Priority
}

// Config holds intake settings.
type Config struct {
	// ClaimTTL is how long an idempotency claim or outcome is retained.
	ClaimTTL time.Duration
	// MaxAttempts is the retry budget given to each queued job.
	MaxAttempts int
	// PriorityOverrides force specific topics to a priority, on top of
	// the built-in resource classes.
	PriorityOverrides map[string]relay.Priority
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ClaimTTL:    24 * time.Hour,
		MaxAttempts: queue.DefaultMaxAttempts,
	}
}

// Service is the event intake: it authenticates webhook deliveries,
// deduplicates them against the idempotency store and queues accepted
// events for the worker pool. Intake never runs handlers itself, so
// the ingress can acknowledge the provider immediately.
type Service struct {
	store    idempotency.Store
	repo     queue.Repository
	verifier *Verifier
	cfg      Config
	logger   *zap.Logger
}

// NewService creates the intake service.
func NewService(store idempotency.Store, repo queue.Repository, verifier *Verifier, cfg Config, logger *zap.Logger) *Service {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultConfig().ClaimTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Service{
		store:    store,
		repo:     repo,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProcessWebhook authenticates one webhook delivery and submits it.
// Verification failures come back as ErrMissingSignature,
// ErrStaleTimestamp or ErrBadSignature; the ingress maps those to 401.
func (s *Service) ProcessWebhook(ctx context.Context, tenant, topic string, payload []byte, signature, timestamp, eventID string) (*Ack, error) {
	if err := s.verifier.Verify(payload, signature, timestamp); err != nil {
		s.logger.Warn("webhook verification failed",
			zap.String("tenant", tenant),
			zap.String("topic", topic),
			zap.Error(err))
		return nil, err
	}

	if !ValidTenantDomain(tenant) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTenant, tenant)
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	return s.SubmitEvent(ctx, tenant, topic, payload, eventID)
}

// SubmitEvent claims the event id and queues the event. A missing id is
// derived from the delivery's stable fields, so redeliveries of the
// same payload collapse onto one id. Duplicates are acknowledged, not
// errors.
func (s *Service) SubmitEvent(ctx context.Context, tenant, topic string, payload []byte, eventID string) (*Ack, error) {
	if eventID == "" {
		eventID = relay.DeriveEventID(tenant, topic, payload)
	}

	priority := relay.TopicPriority(topic, s.cfg.PriorityOverrides)

	claimed, err := s.store.TryClaim(ctx, eventID, s.cfg.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		s.logger.Debug("duplicate event skipped",
			zap.String("tenant", tenant),
			zap.String("topic", topic),
			zap.String("event_id", eventID))
		return &Ack{EventID: eventID, Status: AckDuplicate, Priority: priority}, nil
	}

	event := relay.Event{
		EventID:    eventID,
		TenantID:   tenant,
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	err = s.repo.Enqueue(ctx, queue.NewJob(event, priority, s.cfg.MaxAttempts))
	if errors.Is(err, relay.ErrDuplicate) {
		// The claim raced a job row left by an earlier delivery.
		return &Ack{EventID: eventID, Status: AckDuplicate, Priority: priority}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue event: %w", err)
	}

	s.logger.Info("event accepted",
		zap.String("tenant", tenant),
		zap.String("topic", topic),
		zap.String("event_id", eventID),
		zap.Stringer("priority", priority))

	return &Ack{EventID: eventID, Status: AckAccepted, Priority: priority}, nil
}
