package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/router-for-me/RelayGate/internal/ledger"
)

// defaultRetryAfter applies when an over-quota window has no entry to measure from.
const defaultRetryAfter = 60 * time.Second

// Limits is the part of a policy a strategy evaluates.
type Limits struct {
	Limit   int64
	Window  time.Duration
	Version int
}

// Verdict is a strategy's answer for one request.
type Verdict struct {
	OverQuota  bool
	RetryAfter time.Duration
}

// Strategy decides whether a request exceeds its quota.
type Strategy interface {
	Check(ctx context.Context, key ledger.Key, limits Limits, now time.Time) (Verdict, error)
}

func validateLimits(limits Limits) error {
	if limits.Window <= 0 {
		return fmt.Errorf("admission: non-positive window %s", limits.Window)
	}
	if limits.Limit < 0 {
		return fmt.Errorf("admission: negative limit %d", limits.Limit)
	}
	return nil
}

// FixedWindow counts ledger entries in the trailing window.
type FixedWindow struct {
	ledger ledger.Store
}

// NewFixedWindow constructs a FixedWindow strategy.
func NewFixedWindow(store ledger.Store) *FixedWindow {
	return &FixedWindow{ledger: store}
}

// Check is over quota when the trailing window already holds Limit entries.
// RetryAfter is the time until the oldest entry leaves the window.
func (s *FixedWindow) Check(ctx context.Context, key ledger.Key, limits Limits, now time.Time) (Verdict, error) {
	if err := validateLimits(limits); err != nil {
		return Verdict{}, err
	}
	since := now.Add(-limits.Window)
	count, err := s.ledger.CountSince(ctx, key, since)
	if err != nil {
		return Verdict{}, err
	}
	if count < limits.Limit {
		return Verdict{}, nil
	}
	oldest, ok, err := s.ledger.OldestSince(ctx, key, since)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{OverQuota: true, RetryAfter: defaultRetryAfter}, nil
	}
	return Verdict{OverQuota: true, RetryAfter: oldest.Add(limits.Window).Sub(now)}, nil
}

// SlidingWindow weights the previous aligned window by how much of it still overlaps the trailing window:
// estimate = previous * (1 - elapsed/window) + current.
type SlidingWindow struct {
	ledger ledger.Store
}

// NewSlidingWindow constructs a SlidingWindow strategy.
func NewSlidingWindow(store ledger.Store) *SlidingWindow {
	return &SlidingWindow{ledger: store}
}

// Check is over quota when the weighted estimate reaches Limit.
func (s *SlidingWindow) Check(ctx context.Context, key ledger.Key, limits Limits, now time.Time) (Verdict, error) {
	if err := validateLimits(limits); err != nil {
		return Verdict{}, err
	}
	window := limits.Window
	currStart := now.Truncate(window)
	prevStart := currStart.Add(-window)

	curr, err := s.ledger.CountSince(ctx, key, currStart)
	if err != nil {
		return Verdict{}, err
	}
	prev, err := s.ledger.CountRange(ctx, key, prevStart, currStart)
	if err != nil {
		return Verdict{}, err
	}

	elapsed := now.Sub(currStart)
	frac := float64(elapsed) / float64(window)
	estimate := float64(prev)*(1-frac) + float64(curr)
	if estimate < float64(limits.Limit) {
		return Verdict{}, nil
	}
	return Verdict{OverQuota: true, RetryAfter: slidingRetryAfter(prev, curr, limits.Limit, elapsed, window)}, nil
}

// slidingRetryAfter returns the time until the weighted estimate drops below limit, assuming no new calls.
func slidingRetryAfter(prev, curr, limit int64, elapsed, window time.Duration) time.Duration {
	w := float64(window)
	if curr < limit && prev > 0 {
		// prev*(1-(elapsed+t)/w) + curr < limit
		t := w*(1-float64(limit-curr)/float64(prev)) - float64(elapsed)
		return time.Duration(math.Max(t, 0))
	}
	untilNext := w - float64(elapsed)
	if curr <= 0 || limit <= 0 {
		return time.Duration(untilNext)
	}
	// In the next window current becomes previous: curr*(1-t'/w) < limit.
	t := untilNext + w*math.Max(0, 1-float64(limit)/float64(curr))
	return time.Duration(t)
}

// TokenBucket keeps a refillable bucket per caller, upstream and policy version.
// Capacity is Limit and the refill rate is Limit/Window tokens per second.
type TokenBucket struct {
	buckets BucketStore
}

// NewTokenBucket constructs a TokenBucket strategy over buckets.
func NewTokenBucket(buckets BucketStore) *TokenBucket {
	return &TokenBucket{buckets: buckets}
}

// Check takes one token; the request is over quota when none is available.
func (s *TokenBucket) Check(ctx context.Context, key ledger.Key, limits Limits, now time.Time) (Verdict, error) {
	if err := validateLimits(limits); err != nil {
		return Verdict{}, err
	}
	if limits.Limit == 0 {
		return Verdict{OverQuota: true, RetryAfter: defaultRetryAfter}, nil
	}
	bucketKey := fmt.Sprintf("%s:%d:v%d", key.UpstreamID, key.UserID, limits.Version)
	refill := float64(limits.Limit) / limits.Window.Seconds()
	ok, wait, err := s.buckets.Take(ctx, bucketKey, limits.Limit, refill, now)
	if err != nil {
		return Verdict{}, err
	}
	if ok {
		return Verdict{}, nil
	}
	return Verdict{OverQuota: true, RetryAfter: wait}, nil
}

// RetryAfterSeconds rounds d up to whole seconds, flooring non-positive values at 1.
func RetryAfterSeconds(d time.Duration) int64 {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
