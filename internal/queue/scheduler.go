package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler orders jobs for workers: a job becomes eligible at ReadyAt, and eligible jobs
// run lowest Priority first, FIFO within a priority.
type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
	// Next blocks until a job is eligible or ctx is done.
	Next(ctx context.Context) (Job, error)
	// Depth counts jobs scheduled but not yet handed to a worker.
	Depth(ctx context.Context) (int64, error)
}

type scheduledJob struct {
	job Job
	seq uint64
}

type delayedHeap []*scheduledJob

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].job.ReadyAt.Equal(h[j].job.ReadyAt) {
		return h[i].job.ReadyAt.Before(h[j].job.ReadyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*scheduledJob)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type readyHeap []*scheduledJob

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*scheduledJob)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// maxIdleWait bounds how long Next sleeps without a wake-up.
const maxIdleWait = time.Second

// MemoryScheduler is an in-process Scheduler. Jobs are lost on restart; Queue.Recover
// reschedules pending rows from the store.
type MemoryScheduler struct {
	mu      sync.Mutex
	delayed delayedHeap
	ready   readyHeap
	seq     uint64
	wake    chan struct{}
	now     func() time.Time
}

// NewMemoryScheduler constructs an empty scheduler.
func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Schedule implements Scheduler.
func (m *MemoryScheduler) Schedule(_ context.Context, job Job) error {
	m.mu.Lock()
	m.seq++
	heap.Push(&m.delayed, &scheduledJob{job: job, seq: m.seq})
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *MemoryScheduler) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Next implements Scheduler.
func (m *MemoryScheduler) Next(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		job, wait, ok := m.tryPop()
		if ok {
			return job, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Job{}, ctx.Err()
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *MemoryScheduler) tryPop() (Job, time.Duration, bool) {
	m.mu.Lock()
	now := m.now()
	for m.delayed.Len() > 0 && !m.delayed[0].job.ReadyAt.After(now) {
		heap.Push(&m.ready, heap.Pop(&m.delayed))
	}
	if m.ready.Len() > 0 {
		item := heap.Pop(&m.ready).(*scheduledJob)
		remaining := m.ready.Len() + m.delayed.Len()
		m.mu.Unlock()
		if remaining > 0 {
			// Pass the wake-up on so another idle worker re-evaluates.
			m.signal()
		}
		return item.job, 0, true
	}
	wait := maxIdleWait
	if m.delayed.Len() > 0 {
		if d := m.delayed[0].job.ReadyAt.Sub(now); d < wait {
			wait = d
		}
	}
	m.mu.Unlock()
	if wait <= 0 {
		wait = time.Millisecond
	}
	return Job{}, wait, false
}

// Depth implements Scheduler.
func (m *MemoryScheduler) Depth(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.ready.Len() + m.delayed.Len()), nil
}
