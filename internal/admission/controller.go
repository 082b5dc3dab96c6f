// Package admission decides whether a relayed call runs now, waits in the queue, or is rejected.
package admission

import (
	"context"
	"time"

	"github.com/router-for-me/RelayGate/internal/forward"
	"github.com/router-for-me/RelayGate/internal/ledger"
	"github.com/router-for-me/RelayGate/internal/metrics"
	"github.com/router-for-me/RelayGate/internal/models"
	"github.com/router-for-me/RelayGate/internal/queue"
	log "github.com/sirupsen/logrus"
)

// Kind enumerates admission outcomes.
type Kind int

const (
	Allow Kind = iota
	Reject
	Defer
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Decision is the controller's answer. RetryAfterSeconds is set for Reject,
// QueueID and EstimatedWaitMs for Defer.
type Decision struct {
	Kind              Kind
	RetryAfterSeconds int64
	QueueID           uint64
	EstimatedWaitMs   int64
}

// Request is one inbound call to evaluate.
type Request struct {
	Target   forward.Target
	OwnerID  uint64
	CallerID uint64
	Policy   *models.RateLimitPolicy
	Call     forward.Call
}

// Enqueuer accepts over-quota calls for deferred execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error)
}

// Controller evaluates policies against the ledger. The count is read without locking,
// so concurrent calls from one caller may briefly overshoot the limit.
type Controller struct {
	strategies map[string]Strategy
	enqueuer   Enqueuer
	metrics    *metrics.Collector
	now        func() time.Time
}

// NewController wires the three strategies. A nil enqueuer turns every Defer into Reject.
func NewController(store ledger.Store, buckets BucketStore, enqueuer Enqueuer, m *metrics.Collector) *Controller {
	if buckets == nil {
		buckets = NewMemoryBuckets()
	}
	return &Controller{
		strategies: map[string]Strategy{
			models.StrategyFixedWindow:   NewFixedWindow(store),
			models.StrategySlidingWindow: NewSlidingWindow(store),
			models.StrategyTokenBucket:   NewTokenBucket(buckets),
		},
		enqueuer: enqueuer,
		metrics:  m,
		now:      time.Now,
	}
}

// Evaluate returns the decision for req. Strategy failures fail open.
func (c *Controller) Evaluate(ctx context.Context, req Request) Decision {
	policy := req.Policy
	if policy == nil {
		return Decision{Kind: Allow}
	}
	if policy.OwnerExempt && req.CallerID == req.OwnerID {
		c.metrics.Decision(policy.Strategy, "exempt")
		return Decision{Kind: Allow}
	}

	fields := log.Fields{
		"upstream": req.Target.UpstreamID,
		"user_id":  req.CallerID,
		"strategy": policy.Strategy,
	}
	strategy, ok := c.strategies[policy.Strategy]
	if !ok {
		log.WithFields(fields).Warn("admission: unknown strategy, allowing request")
		c.metrics.Decision(policy.Strategy, Allow.String())
		return Decision{Kind: Allow}
	}

	key := ledger.Key{UpstreamID: req.Target.UpstreamID, UserID: req.CallerID}
	limits := Limits{Limit: policy.RequestLimit, Window: policy.Window(), Version: policy.Version}
	verdict, err := strategy.Check(ctx, key, limits, c.now())
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("admission: strategy check failed, allowing request")
		c.metrics.Decision(policy.Strategy, Allow.String())
		return Decision{Kind: Allow}
	}
	if !verdict.OverQuota {
		c.metrics.Decision(policy.Strategy, Allow.String())
		return Decision{Kind: Allow}
	}

	decision := c.overQuota(ctx, req, verdict, fields)
	c.metrics.Decision(policy.Strategy, decision.Kind.String())
	return decision
}

func (c *Controller) overQuota(ctx context.Context, req Request, verdict Verdict, fields log.Fields) Decision {
	reject := Decision{Kind: Reject, RetryAfterSeconds: RetryAfterSeconds(verdict.RetryAfter)}
	queueing, priority := req.Policy.QueueSettings()
	if !queueing || c.enqueuer == nil {
		return reject
	}

	res, err := c.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		Target:   req.Target,
		UserID:   req.CallerID,
		Call:     req.Call,
		Priority: priority,
	})
	if err != nil {
		log.WithError(err).WithFields(fields).Error("admission: enqueue failed, rejecting request")
		return reject
	}
	return Decision{
		Kind:            Defer,
		QueueID:         res.QueueID,
		EstimatedWaitMs: res.EstimatedWait.Milliseconds(),
	}
}
