package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketStore holds token bucket state.
type BucketStore interface {
	// Take removes one token from the bucket at key. When no token is available it reports
	// how long until one will be.
	Take(ctx context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (bool, time.Duration, error)
}

// bucketSweepInterval is how often MemoryBuckets drops buckets that have refilled.
const bucketSweepInterval = time.Minute

// MemoryBuckets keeps buckets in process using x/time/rate limiters. A bucket that has
// refilled to capacity is indistinguishable from a new one, so such buckets are evicted.
type MemoryBuckets struct {
	mu        sync.RWMutex
	limiters  map[string]*rate.Limiter
	lastSweep time.Time
}

// NewMemoryBuckets constructs an empty in-process bucket store.
func NewMemoryBuckets() *MemoryBuckets {
	return &MemoryBuckets{limiters: make(map[string]*rate.Limiter)}
}

// Take implements BucketStore.
func (m *MemoryBuckets) Take(_ context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (bool, time.Duration, error) {
	m.sweep(now)

	// Reservations happen under the map lock so a sweep never drops a bucket mid-take.
	m.mu.RLock()
	lim, ok := m.limiters[key]
	if ok {
		reservation := lim.ReserveN(now, 1)
		m.mu.RUnlock()
		return settle(reservation, now)
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok = m.limiters[key]; !ok {
		lim = rate.NewLimiter(rate.Limit(refillPerSecond), int(capacity))
		m.limiters[key] = lim
	}
	return settle(lim.ReserveN(now, 1), now)
}

func settle(reservation *rate.Reservation, now time.Time) (bool, time.Duration, error) {
	if !reservation.OK() {
		return false, defaultRetryAfter, nil
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true, 0, nil
	}
	reservation.CancelAt(now)
	return false, delay, nil
}

func (m *MemoryBuckets) sweep(now time.Time) {
	m.mu.RLock()
	due := now.Sub(m.lastSweep) >= bucketSweepInterval
	m.mu.RUnlock()
	if !due {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) < bucketSweepInterval {
		return
	}
	m.lastSweep = now
	for key, lim := range m.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(m.limiters, key)
		}
	}
}

// Len reports how many buckets are tracked.
func (m *MemoryBuckets) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.limiters)
}
