package queue

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultRetentionInterval = time.Hour
	defaultDeleteBatchSize   = 1000
	maxDeleteBatchesPerRun   = 500
)

// RetentionCleaner periodically deletes completed and failed calls older than the retention period.
type RetentionCleaner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionCleaner returns nil when retention is not positive, which disables cleanup.
func NewRetentionCleaner(store Store, retention time.Duration) *RetentionCleaner {
	if store == nil || retention <= 0 {
		return nil
	}
	return &RetentionCleaner{
		store:     store,
		retention: retention,
		interval:  defaultRetentionInterval,
		batchSize: defaultDeleteBatchSize,
		now:       time.Now,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go c.run(ctx)
	log.Infof("deferred call retention cleaner started (interval=%s retention=%s)", c.interval, c.retention)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		c.cleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cleanupOnce deletes in bounded batches so no single statement holds long locks.
func (c *RetentionCleaner) cleanupOnce(ctx context.Context) int64 {
	cutoff := c.now().UTC().Add(-c.retention)
	var deleted int64
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := c.store.DeleteFinishedBefore(ctx, cutoff, c.batchSize)
		if err != nil {
			log.WithError(err).Warn("deferred call retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deleted += n
	}
	if deleted > 0 {
		log.Infof("deferred call retention cleaner: deleted %d rows (cutoff=%s)", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted
}
