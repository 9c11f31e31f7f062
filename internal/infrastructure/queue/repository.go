package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/markethub/relay/internal/relay"
)

// claimAttempts bounds how many candidates a single ClaimNext call will
// race for before giving up until the next poll.
const claimAttempts = 3

// Repository defines the persistence interface for jobs.
type Repository interface {
	// Enqueue persists a new job. Returns relay.ErrDuplicate when a job
	// with the same id already exists.
	Enqueue(ctx context.Context, job *Job) error
	// ClaimNext atomically claims the runnable job with the highest
	// priority (oldest first within a priority). Returns nil when
	// nothing is runnable.
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	// Update persists job state changes.
	Update(ctx context.Context, job *Job) error
	// FindByID retrieves a single job.
	FindByID(ctx context.Context, id string) (*Job, error)
	// FindDeadLettered retrieves dead-lettered jobs with pagination.
	FindDeadLettered(ctx context.Context, page, pageSize int) ([]*Job, int64, error)
	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// DeleteTerminalOlderThan deletes completed and dead-lettered jobs
	// finished before the given time.
	DeleteTerminalOlderThan(ctx context.Context, before time.Time) (int64, error)
	// RequeueStaleClaims returns PROCESSING jobs last touched before the
	// given time to the queue, recovering claims orphaned by a crashed
	// worker.
	RequeueStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
}

// GormRepository implements Repository using GORM
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new GORM-based job repository
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormRepository) WithTx(tx *gorm.DB) *GormRepository {
	return &GormRepository{db: tx}
}

// Enqueue persists a job, treating an existing id as a duplicate
// delivery rather than an error to surface to the provider.
func (r *GormRepository) Enqueue(ctx context.Context, job *Job) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(job)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return relay.ErrDuplicate
	}
	return nil
}

// ClaimNext selects the best runnable candidate and claims it with a
// status-guarded update, so exactly one worker wins a contended job.
// The two-step claim stays portable across postgres and the sqlite
// databases the tests run on.
func (r *GormRepository) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var job Job
		err := r.db.WithContext(ctx).
			Where("status = ? AND next_run_at <= ?", StatusQueued, now).
			Order("priority DESC, next_run_at ASC, received_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		result := r.db.WithContext(ctx).
			Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusQueued).
			Updates(map[string]interface{}{
				"status":     StatusProcessing,
				"updated_at": now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			job.Status = StatusProcessing
			job.UpdatedAt = now
			return &job, nil
		}
		// Another worker claimed it first; race for the next candidate.
	}
	return nil, nil
}

// Update updates an existing job
func (r *GormRepository) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(job).Error
}

// FindByID retrieves a single job by ID
func (r *GormRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindDeadLettered retrieves dead-lettered jobs with pagination
func (r *GormRepository) FindDeadLettered(ctx context.Context, page, pageSize int) ([]*Job, int64, error) {
	var jobs []*Job
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("status = ?", StatusDeadLettered).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := r.db.WithContext(ctx).
		Where("status = ?", StatusDeadLettered).
		Order("updated_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// CountByStatus returns count of jobs for each status
func (r *GormRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type statusCount struct {
		Status Status
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[Status]int64)
	for _, sc := range results {
		counts[sc.Status] = sc.Count
	}
	return counts, nil
}

// DeleteTerminalOlderThan deletes terminal jobs finished before the
// given time and returns how many rows were removed.
func (r *GormRepository) DeleteTerminalOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []Status{StatusCompleted, StatusDeadLettered}, before).
		Delete(&Job{})
	return result.RowsAffected, result.Error
}

// RequeueStaleClaims flips PROCESSING rows older than the lease cutoff
// back to QUEUED, runnable immediately. The attempt count is untouched:
// a crash mid-handler is not the handler failing.
func (r *GormRepository) RequeueStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("status = ? AND updated_at < ?", StatusProcessing, olderThan).
		Updates(map[string]interface{}{
			"status":      StatusQueued,
			"next_run_at": now,
			"updated_at":  now,
		})
	return result.RowsAffected, result.Error
}

// Ensure GormRepository implements Repository
var _ Repository = (*GormRepository)(nil)
