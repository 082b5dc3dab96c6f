// Package ledger records relayed calls and answers the window counts admission needs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/RelayGate/internal/models"
	"gorm.io/gorm"
)

// Entry is one relayed call as seen by the caller.
type Entry struct {
	UpstreamID     string
	UserID         uint64
	Path           string
	Method         string
	Status         int
	ProcessingTime time.Duration
	Queued         bool
	QueueWait      time.Duration
	RequestedAt    time.Time
}

// Key scopes ledger queries to one caller on one upstream.
type Key struct {
	UpstreamID string
	UserID     uint64
}

// Store is the append-only ledger.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// CountSince counts entries at or after since.
	CountSince(ctx context.Context, key Key, since time.Time) (int64, error)
	// CountRange counts entries in [from, to).
	CountRange(ctx context.Context, key Key, from, to time.Time) (int64, error)
	// OldestSince returns the earliest entry timestamp at or after since.
	OldestSince(ctx context.Context, key Key, since time.Time) (time.Time, bool, error)
}

// GormStore keeps the ledger in the request_logs table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append inserts entry. A zero RequestedAt is stamped with the current time.
func (s *GormStore) Append(ctx context.Context, entry Entry) error {
	requestedAt := entry.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}
	row := models.RequestLog{
		UpstreamID:       entry.UpstreamID,
		UserID:           entry.UserID,
		RequestPath:      entry.Path,
		RequestMethod:    entry.Method,
		ProcessingTimeMs: entry.ProcessingTime.Milliseconds(),
		Queued:           entry.Queued,
		QueueTimeMs:      entry.QueueWait.Milliseconds(),
		RequestedAt:      requestedAt.UTC(),
	}
	if entry.Status != 0 {
		status := entry.Status
		row.ResponseStatus = &status
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return nil
}

func (s *GormStore) scoped(ctx context.Context, key Key) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.RequestLog{}).
		Where("upstream_id = ? AND user_id = ?", key.UpstreamID, key.UserID)
}

// CountSince counts entries for key with requested_at >= since.
func (s *GormStore) CountSince(ctx context.Context, key Key, since time.Time) (int64, error) {
	var count int64
	if err := s.scoped(ctx, key).Where("requested_at >= ?", since.UTC()).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return count, nil
}

// CountRange counts entries for key with from <= requested_at < to.
func (s *GormStore) CountRange(ctx context.Context, key Key, from, to time.Time) (int64, error) {
	var count int64
	err := s.scoped(ctx, key).
		Where("requested_at >= ? AND requested_at < ?", from.UTC(), to.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count range: %w", err)
	}
	return count, nil
}

// OldestSince returns the earliest requested_at for key at or after since.
func (s *GormStore) OldestSince(ctx context.Context, key Key, since time.Time) (time.Time, bool, error) {
	var row models.RequestLog
	err := s.scoped(ctx, key).
		Where("requested_at >= ?", since.UTC()).
		Order("requested_at ASC").
		Select("requested_at").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: oldest: %w", err)
	}
	return row.RequestedAt, true, nil
}
