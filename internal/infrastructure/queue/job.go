package queue

import (
	"errors"
	"time"

	"github.com/markethub/relay/internal/relay"
)

// Status represents the lifecycle state of a queued job.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// Default retry configuration
const (
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 5 * time.Second
)

// Job is one webhook event awaiting handler execution. The ID doubles
// as the event's deduplication key, so a redelivered event maps onto
// the same row.
type Job struct {
	ID           string    `gorm:"type:varchar(64);primaryKey"`
	TenantID     string    `gorm:"type:varchar(255);not null;index:idx_relay_jobs_tenant"`
	Topic        string    `gorm:"type:varchar(255);not null"`
	Payload      []byte    `gorm:"type:jsonb;not null"`
	Priority     int       `gorm:"not null;index:idx_relay_jobs_claim,priority:2"`
	AttemptCount int       `gorm:"default:0"`
	MaxAttempts  int       `gorm:"default:3"`
	Status       Status    `gorm:"type:varchar(20);default:QUEUED;index:idx_relay_jobs_claim,priority:1"`
	LastError    string    `gorm:"type:text"`
	ReceivedAt   time.Time `gorm:"not null"`
	NextRunAt    time.Time `gorm:"not null;index:idx_relay_jobs_claim,priority:3"`
	CompletedAt  *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (Job) TableName() string {
	return "relay_jobs"
}

// NewJob creates a job for an accepted event, runnable immediately.
func NewJob(event relay.Event, priority relay.Priority, maxAttempts int) *Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now()
	return &Job{
		ID:          event.EventID,
		TenantID:    event.TenantID,
		Topic:       event.Topic,
		Payload:     event.Payload,
		Priority:    int(priority),
		MaxAttempts: maxAttempts,
		Status:      StatusQueued,
		ReceivedAt:  event.ReceivedAt,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Event reconstructs the relay event carried by this job.
func (j *Job) Event() relay.Event {
	return relay.Event{
		EventID:    j.ID,
		TenantID:   j.TenantID,
		Topic:      j.Topic,
		Payload:    j.Payload,
		ReceivedAt: j.ReceivedAt,
	}
}

// MarkCompleted marks the job as successfully handled.
func (j *Job) MarkCompleted() {
	now := time.Now()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed records a transient failure. MaxAttempts counts retries:
// the job requeues with an exponentially growing delay for up to
// MaxAttempts failures, then the next failure moves it to the dead
// letter state.
func (j *Job) MarkFailed(errMsg string, baseDelay time.Duration) {
	j.AttemptCount++
	j.LastError = errMsg
	now := time.Now()
	j.UpdatedAt = now

	if j.AttemptCount > j.MaxAttempts {
		j.Status = StatusDeadLettered
		j.CompletedAt = &now
		return
	}

	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	// Backoff: base, 2*base, 4*base, ...
	j.Status = StatusQueued
	j.NextRunAt = now.Add(baseDelay * time.Duration(1<<uint(j.AttemptCount-1)))
}

// DeadLetter moves the job straight to the dead letter state,
// regardless of remaining attempts. Used for permanent failures where
// retrying cannot help.
func (j *Job) DeadLetter(reason string) {
	now := time.Now()
	j.AttemptCount++
	j.LastError = reason
	j.Status = StatusDeadLettered
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// ResetForRetry requeues a dead-lettered job for another round of
// attempts, an operator action.
func (j *Job) ResetForRetry() error {
	if j.Status != StatusDeadLettered {
		return errors.New("can only retry dead-lettered jobs")
	}
	now := time.Now()
	j.Status = StatusQueued
	j.AttemptCount = 0
	j.LastError = ""
	j.NextRunAt = now
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

// IsDead returns true if the job is dead-lettered.
func (j *Job) IsDead() bool {
	return j.Status == StatusDeadLettered
}

// IsTerminal returns true once the job will never run again.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusDeadLettered
}
