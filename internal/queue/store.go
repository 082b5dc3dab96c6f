package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/RelayGate/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for unknown queue ids.
	ErrNotFound = errors.New("queue: deferred call not found")
	// ErrInvalidTransition is returned for lifecycle moves that are never legal.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrStaleTransition is returned when the call is no longer in the expected state,
	// typically because another worker claimed it first.
	ErrStaleTransition = errors.New("queue: deferred call not in expected status")
)

// Store persists deferred calls.
type Store interface {
	Create(ctx context.Context, call *models.DeferredCall) error
	Get(ctx context.Context, id uint64) (*models.DeferredCall, error)
	// Transition moves id from one status to another atomically, applying updates in the same write.
	Transition(ctx context.Context, id uint64, from, to string, updates map[string]any) error
	Delete(ctx context.Context, id uint64) error
	ListByStatus(ctx context.Context, status string, limit int) ([]models.DeferredCall, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// GormStore keeps deferred calls in the deferred_calls table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create inserts call.
func (s *GormStore) Create(ctx context.Context, call *models.DeferredCall) error {
	if err := s.db.WithContext(ctx).Create(call).Error; err != nil {
		return fmt.Errorf("queue: create: %w", err)
	}
	return nil
}

// Get loads a call by id.
func (s *GormStore) Get(ctx context.Context, id uint64) (*models.DeferredCall, error) {
	var call models.DeferredCall
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return &call, nil
}

// Transition performs a conditional update guarded by the current status.
// Exactly one concurrent caller can win a given from→to move.
func (s *GormStore) Transition(ctx context.Context, id uint64, from, to string, updates map[string]any) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to

	res := s.db.WithContext(ctx).
		Model(&models.DeferredCall{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("queue: transition: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrStaleTransition
	}
	return nil
}

// Delete removes a call that never left pending. It is used to roll back a failed schedule.
func (s *GormStore) Delete(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, models.DeferredStatusPending).
		Delete(&models.DeferredCall{})
	if res.Error != nil {
		return fmt.Errorf("queue: delete: %w", res.Error)
	}
	return nil
}

// ListByStatus returns calls in status ordered by id.
func (s *GormStore) ListByStatus(ctx context.Context, status string, limit int) ([]models.DeferredCall, error) {
	var calls []models.DeferredCall
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return calls, nil
}

// DeleteFinishedBefore removes up to limit terminal calls finished before cutoff.
func (s *GormStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM deferred_calls
		WHERE id IN (
			SELECT id FROM deferred_calls
			WHERE status IN (?, ?) AND finished_at < ?
			ORDER BY finished_at ASC
			LIMIT ?
		)
	`, models.DeferredStatusCompleted, models.DeferredStatusFailed, cutoff.UTC(), limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
