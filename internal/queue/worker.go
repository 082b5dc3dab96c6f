package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/router-for-me/RelayGate/internal/forward"
	"github.com/router-for-me/RelayGate/internal/metrics"
	"github.com/router-for-me/RelayGate/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWorkers        = 4
	defaultMaxAttempts    = 3
	defaultInitialBackoff = time.Second
	maxLastErrorLen       = 1024
	finishTimeout         = 5 * time.Second
	requeueDelay          = time.Second
)

// Executor performs one upstream call.
type Executor interface {
	Execute(ctx context.Context, target forward.Target, call forward.Call) (*forward.Response, error)
}

// WorkerOptions tunes the worker pool.
type WorkerOptions struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Worker pulls jobs from a Scheduler and executes them. Each job is claimed with a
// conditional pending→processing update, so only one worker ever runs it.
type Worker struct {
	store     Store
	scheduler Scheduler
	executor  Executor
	metrics   *metrics.Collector
	opts      WorkerOptions
	timer     backoff.Timer
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewWorker constructs a worker pool. Zero options use 4 workers, 3 attempts and a 1s initial backoff.
func NewWorker(store Store, scheduler Scheduler, executor Executor, m *metrics.Collector, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	return &Worker{
		store:     store,
		scheduler: scheduler,
		executor:  executor,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// Start launches the worker goroutines. They exit when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	if w == nil {
		return
	}
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	log.Infof("queue worker started (concurrency=%d max_attempts=%d)", w.opts.Concurrency, w.opts.MaxAttempts)
}

// Wait blocks until every worker goroutine has returned. Calls already claimed finish
// their remaining attempts first.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		job, err := w.scheduler.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("queue worker: dequeue failed")
			timer := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.opts.InitialBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = time.Hour
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.opts.MaxAttempts-1)), ctx)
}

// process claims job and runs it to a terminal state. It returns the final status, or ""
// when the job was not claimed.
func (w *Worker) process(ctx context.Context, job Job) string {
	fields := log.Fields{"queue_id": job.QueueID, "upstream": job.Target.UpstreamID}

	errClaim := w.store.Transition(ctx, job.QueueID, models.DeferredStatusPending, models.DeferredStatusProcessing, map[string]any{
		"processed_at": w.now().UTC(),
	})
	if errClaim != nil {
		if errors.Is(errClaim, ErrStaleTransition) {
			log.WithFields(fields).Debug("queue worker: call already claimed")
			return ""
		}
		// The scheduler already handed the job over, so it must go back or it is lost.
		log.WithError(errClaim).WithFields(fields).Warn("queue worker: claim failed, rescheduling")
		w.requeue(ctx, job, fields)
		return ""
	}

	// A claimed call runs to a terminal state; shutdown waits for it instead of cutting attempts short.
	execCtx := context.WithoutCancel(ctx)
	attempts := 0
	var resp *forward.Response
	operation := func() error {
		attempts++
		w.metrics.DeferredAttempt()
		r, err := w.executor.Execute(execCtx, job.Target, job.Call)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithFields(fields).Warnf("queue worker: attempt %d failed, retrying in %s", attempts, next)
	}
	errRun := backoff.RetryNotifyWithTimer(operation, w.newBackOff(execCtx), notify, w.timer)

	storeCtx, cancel := context.WithTimeout(execCtx, finishTimeout)
	defer cancel()

	finishedAt := w.now().UTC()
	if errRun == nil {
		status := resp.StatusCode
		w.finish(storeCtx, job, models.DeferredStatusCompleted, map[string]any{
			"attempts":        attempts,
			"response_status": status,
			"finished_at":     finishedAt,
		}, fields)
		return models.DeferredStatusCompleted
	}

	msg := errRun.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	log.WithError(errRun).WithFields(fields).Errorf("queue worker: call failed after %d attempts", attempts)
	w.finish(storeCtx, job, models.DeferredStatusFailed, map[string]any{
		"attempts":    attempts,
		"last_error":  msg,
		"finished_at": finishedAt,
	}, fields)
	return models.DeferredStatusFailed
}

func (w *Worker) finish(ctx context.Context, job Job, status string, updates map[string]any, fields log.Fields) {
	if err := w.store.Transition(ctx, job.QueueID, models.DeferredStatusProcessing, status, updates); err != nil {
		log.WithError(err).WithFields(fields).Errorf("queue worker: could not record %s", status)
		return
	}
	w.metrics.DeferredOutcome(status)
}

func (w *Worker) requeue(ctx context.Context, job Job, fields log.Fields) {
	scheduleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	job.ReadyAt = w.now().Add(requeueDelay)
	if err := w.scheduler.Schedule(scheduleCtx, job); err != nil {
		log.WithError(err).WithFields(fields).Error("queue worker: could not reschedule unclaimed call")
	}
}
