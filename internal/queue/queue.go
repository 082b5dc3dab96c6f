// Package queue persists over-quota calls and replays them through worker goroutines.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/router-for-me/RelayGate/internal/forward"
	"github.com/router-for-me/RelayGate/internal/models"
	log "github.com/sirupsen/logrus"
)

// Wait estimate weights: each queued job ahead adds depthWeight, each priority step adds priorityWeight.
const (
	depthWeight    = 500 * time.Millisecond
	priorityWeight = time.Second
)

// EnqueueRequest describes a call to defer.
type EnqueueRequest struct {
	Target   forward.Target
	UserID   uint64
	Call     forward.Call
	Priority int
}

// EnqueueResult is returned to the caller of a deferred call.
type EnqueueResult struct {
	QueueID       uint64
	EstimatedWait time.Duration
}

// StatusView is the public lifecycle snapshot of a deferred call.
type StatusView struct {
	ID             uint64     `json:"id"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	ScheduledAt    time.Time  `json:"scheduledAt"`
	ProcessedAt    *time.Time `json:"processedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	Attempts       int        `json:"attempts"`
	ResponseStatus *int       `json:"responseStatus,omitempty"`
	UserID         uint64     `json:"-"`
}

// HeaderSanitizer strips headers that only matter between caller and gateway.
type HeaderSanitizer interface {
	SanitizeHeaders(h http.Header) http.Header
}

// Options tunes the queue.
type Options struct {
	// PriorityDelay is multiplied by the priority to get the scheduling delay.
	PriorityDelay time.Duration
}

// Queue accepts deferred calls and reports their status.
type Queue struct {
	store     Store
	scheduler Scheduler
	sanitizer HeaderSanitizer
	opts      Options
	now       func() time.Time
}

// New constructs a Queue.
func New(store Store, scheduler Scheduler, sanitizer HeaderSanitizer, opts Options) *Queue {
	if opts.PriorityDelay <= 0 {
		opts.PriorityDelay = time.Second
	}
	return &Queue{store: store, scheduler: scheduler, sanitizer: sanitizer, opts: opts, now: time.Now}
}

// Enqueue persists the call as pending and schedules it. The stored target keeps the
// credential encrypted, so a later credential rotation does not affect this call.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	priority := models.ClampQueuePriority(req.Priority)
	header := req.Call.Header
	if q.sanitizer != nil {
		header = q.sanitizer.SanitizeHeaders(header)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: encode headers: %w", err)
	}
	body := append([]byte(nil), req.Call.Body...)

	now := q.now().UTC()
	row := &models.DeferredCall{
		UpstreamID:             req.Target.UpstreamID,
		UserID:                 req.UserID,
		RequestMethod:          req.Call.Method,
		RequestPath:            req.Call.Path,
		RequestQuery:           req.Call.RawQuery,
		RequestHeaders:         headerJSON,
		RequestBody:            body,
		TargetBaseURL:          req.Target.BaseURL,
		TargetCredential:       req.Target.Credential,
		TargetCredentialHeader: req.Target.CredentialHeader,
		Priority:               priority,
		Status:                 models.DeferredStatusPending,
		CreatedAt:              now,
		ScheduledAt:            now.Add(time.Duration(priority) * q.opts.PriorityDelay),
	}
	if err = q.store.Create(ctx, row); err != nil {
		return EnqueueResult{}, err
	}

	depth, errDepth := q.scheduler.Depth(ctx)
	if errDepth != nil {
		log.WithError(errDepth).Debug("queue: depth unavailable for wait estimate")
		depth = 0
	}

	job, err := JobFromCall(row)
	if err == nil {
		err = q.scheduler.Schedule(ctx, job)
	}
	if err != nil {
		if errDelete := q.store.Delete(context.Background(), row.ID); errDelete != nil {
			log.WithError(errDelete).WithField("queue_id", row.ID).Warn("queue: rollback of unscheduled call failed")
		}
		return EnqueueResult{}, fmt.Errorf("queue: schedule: %w", err)
	}

	log.WithFields(log.Fields{
		"queue_id": row.ID,
		"upstream": row.UpstreamID,
		"priority": priority,
	}).Debug("queue: call deferred")
	return EnqueueResult{
		QueueID:       row.ID,
		EstimatedWait: time.Duration(depth)*depthWeight + time.Duration(priority)*priorityWeight,
	}, nil
}

// Status returns the lifecycle snapshot for id, or ErrNotFound.
func (q *Queue) Status(ctx context.Context, id uint64) (StatusView, error) {
	call, err := q.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		ID:             call.ID,
		Status:         call.Status,
		CreatedAt:      call.CreatedAt,
		ScheduledAt:    call.ScheduledAt,
		ProcessedAt:    call.ProcessedAt,
		FinishedAt:     call.FinishedAt,
		Attempts:       call.Attempts,
		ResponseStatus: call.ResponseStatus,
		UserID:         call.UserID,
	}, nil
}

// Recover reschedules pending calls and fails calls left processing by a previous process.
// Only calls claimed at least interruptedAfter ago are failed, so a shared schedule can be
// recovered while other instances still run their claims; zero fails every processing call.
// Rescheduling a pending call that is already scheduled is harmless: the second claim is stale.
func (q *Queue) Recover(ctx context.Context, interruptedAfter time.Duration) error {
	pending, err := q.store.ListByStatus(ctx, models.DeferredStatusPending, 0)
	if err != nil {
		return err
	}
	for i := range pending {
		job, errJob := JobFromCall(&pending[i])
		if errJob != nil {
			log.WithError(errJob).WithField("queue_id", pending[i].ID).Warn("queue: skipping unrecoverable call")
			continue
		}
		if errSchedule := q.scheduler.Schedule(ctx, job); errSchedule != nil {
			return fmt.Errorf("queue: recover: %w", errSchedule)
		}
	}

	stuck, err := q.store.ListByStatus(ctx, models.DeferredStatusProcessing, 0)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	cutoff := now.Add(-interruptedAfter)
	closed := 0
	for _, call := range stuck {
		if interruptedAfter > 0 && call.ProcessedAt != nil && call.ProcessedAt.After(cutoff) {
			continue
		}
		errTransition := q.store.Transition(ctx, call.ID, models.DeferredStatusProcessing, models.DeferredStatusFailed, map[string]any{
			"last_error":  "interrupted by restart",
			"finished_at": now,
		})
		if errTransition != nil {
			log.WithError(errTransition).WithField("queue_id", call.ID).Warn("queue: failed to close interrupted call")
			continue
		}
		closed++
	}

	if len(pending) > 0 || closed > 0 {
		log.Infof("queue: recovered %d pending and closed %d interrupted calls", len(pending), closed)
	}
	return nil
}
