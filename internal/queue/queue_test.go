package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/RelayGate/internal/db"
	"github.com/router-for-me/RelayGate/internal/forward"
	"github.com/router-for-me/RelayGate/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:queue_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func testSanitizer() HeaderSanitizer {
	return forward.New(nil, nil, forward.NewHeaderPolicy("X-API-Key", "Authorization"), nil)
}

func testEnqueueRequest(priority int) EnqueueRequest {
	credential := "00:11:22"
	return EnqueueRequest{
		Target: forward.Target{
			UpstreamID:       "up-1",
			BaseURL:          "https://api.example.com",
			Credential:       &credential,
			CredentialHeader: "Authorization",
		},
		UserID: 7,
		Call: forward.Call{
			Method:   http.MethodPost,
			Path:     "v1/items",
			RawQuery: "dry=1",
			Header: http.Header{
				"Host":          {"relay.local"},
				"Authorization": {"Bearer caller-jwt"},
				"X-Api-Key":     {"rg_caller"},
				"Content-Type":  {"application/json"},
			},
			Body: []byte(`{"a":1}`),
		},
		Priority: priority,
	}
}

func TestEnqueuePersistsPendingCall(t *testing.T) {
	conn := openTestDB(t)
	store := NewGormStore(conn)
	sched := NewMemoryScheduler()
	q := New(store, sched, testSanitizer(), Options{PriorityDelay: time.Second})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	res, err := q.Enqueue(context.Background(), testEnqueueRequest(3))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.QueueID == 0 {
		t.Fatalf("expected queue id")
	}
	if res.EstimatedWait != 3*time.Second {
		t.Fatalf("expected 3s estimate on empty queue, got %s", res.EstimatedWait)
	}

	call, err := store.Get(context.Background(), res.QueueID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if call.Status != models.DeferredStatusPending {
		t.Fatalf("expected pending, got %s", call.Status)
	}
	if !call.ScheduledAt.Equal(fixed.Add(3 * time.Second)) {
		t.Fatalf("expected scheduled at +3s, got %s", call.ScheduledAt)
	}
	if call.TargetCredential == nil || *call.TargetCredential != "00:11:22" {
		t.Fatalf("expected encrypted credential snapshot, got %v", call.TargetCredential)
	}

	var header http.Header
	if err := json.Unmarshal(call.RequestHeaders, &header); err != nil {
		t.Fatalf("decode headers: %v", err)
	}
	for _, banned := range []string{"Host", "Authorization", "X-Api-Key"} {
		if header.Get(banned) != "" {
			t.Fatalf("header %s should not be persisted", banned)
		}
	}
	if header.Get("Content-Type") != "application/json" {
		t.Fatalf("expected content type to be persisted")
	}
	if depth, _ := sched.Depth(context.Background()); depth != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", depth)
	}
}

func TestEnqueueEstimateGrowsWithDepthAndDefaultsPriority(t *testing.T) {
	q := New(NewGormStore(openTestDB(t)), NewMemoryScheduler(), testSanitizer(), Options{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, testEnqueueRequest(1)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	res, err := q.Enqueue(ctx, testEnqueueRequest(0))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	want := 2*500*time.Millisecond + 5*time.Second
	if res.EstimatedWait != want {
		t.Fatalf("expected %s, got %s", want, res.EstimatedWait)
	}
}

func TestEnqueueCapsPriority(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	q := New(store, NewMemoryScheduler(), testSanitizer(), Options{PriorityDelay: time.Millisecond})
	res, err := q.Enqueue(context.Background(), testEnqueueRequest(50000))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	call, err := store.Get(context.Background(), res.QueueID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if call.Priority != models.MaxQueuePriority {
		t.Fatalf("expected priority %d, got %d", models.MaxQueuePriority, call.Priority)
	}
}

type failingScheduler struct{ *MemoryScheduler }

func (failingScheduler) Schedule(context.Context, Job) error { return errors.New("broker down") }

func TestEnqueueScheduleFailureRollsBack(t *testing.T) {
	conn := openTestDB(t)
	q := New(NewGormStore(conn), failingScheduler{NewMemoryScheduler()}, testSanitizer(), Options{})
	if _, err := q.Enqueue(context.Background(), testEnqueueRequest(1)); err == nil {
		t.Fatalf("expected enqueue error")
	}
	var count int64
	conn.Model(&models.DeferredCall{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected rollback to remove the row, found %d", count)
	}
}

func TestStatusUnknownID(t *testing.T) {
	q := New(NewGormStore(openTestDB(t)), NewMemoryScheduler(), nil, Options{})
	if _, err := q.Status(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusReportsLifecycleFields(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	q := New(store, NewMemoryScheduler(), nil, Options{})
	ctx := context.Background()
	res, err := q.Enqueue(ctx, testEnqueueRequest(1))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	view, err := q.Status(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != models.DeferredStatusPending || view.ProcessedAt != nil || view.UserID != 7 {
		t.Fatalf("unexpected view %+v", view)
	}

	processedAt := time.Now().UTC()
	if err := store.Transition(ctx, res.QueueID, models.DeferredStatusPending, models.DeferredStatusProcessing, map[string]any{"processed_at": processedAt}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	view, _ = q.Status(ctx, res.QueueID)
	if view.Status != models.DeferredStatusProcessing || view.ProcessedAt == nil {
		t.Fatalf("expected processing with processed_at, got %+v", view)
	}
}

func TestRecoverReschedulesPendingAndFailsInterrupted(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()
	first := New(store, NewMemoryScheduler(), nil, Options{})
	pending, _ := first.Enqueue(ctx, testEnqueueRequest(1))
	interrupted, _ := first.Enqueue(ctx, testEnqueueRequest(1))
	if err := store.Transition(ctx, interrupted.QueueID, models.DeferredStatusPending, models.DeferredStatusProcessing, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	sched := NewMemoryScheduler()
	restarted := New(store, sched, nil, Options{})
	if err := restarted.Recover(ctx, 0); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if depth, _ := sched.Depth(ctx); depth != 1 {
		t.Fatalf("expected 1 rescheduled job, got %d", depth)
	}
	call, _ := store.Get(ctx, interrupted.QueueID)
	if call.Status != models.DeferredStatusFailed {
		t.Fatalf("expected interrupted call to be failed, got %s", call.Status)
	}
	call, _ = store.Get(ctx, pending.QueueID)
	if call.Status != models.DeferredStatusPending {
		t.Fatalf("expected pending call untouched, got %s", call.Status)
	}
}

func TestRecoverSharedScheduleSparesRecentClaims(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	sched, _ := newRedisScheduler(t)
	ctx := context.Background()
	q := New(store, sched, nil, Options{})
	pending, _ := q.Enqueue(ctx, testEnqueueRequest(1))
	old, _ := q.Enqueue(ctx, testEnqueueRequest(1))
	recent, _ := q.Enqueue(ctx, testEnqueueRequest(1))
	now := time.Now().UTC()
	claims := map[uint64]time.Time{old.QueueID: now.Add(-2 * time.Hour), recent.QueueID: now.Add(-time.Minute)}
	for id, at := range claims {
		if err := store.Transition(ctx, id, models.DeferredStatusPending, models.DeferredStatusProcessing, map[string]any{"processed_at": at}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	if err := q.Recover(ctx, time.Hour); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if call, _ := store.Get(ctx, old.QueueID); call.Status != models.DeferredStatusFailed {
		t.Fatalf("expected stale claim to be failed, got %s", call.Status)
	}
	if call, _ := store.Get(ctx, recent.QueueID); call.Status != models.DeferredStatusProcessing {
		t.Fatalf("expected recent claim to be left running, got %s", call.Status)
	}
	if call, _ := store.Get(ctx, pending.QueueID); call.Status != models.DeferredStatusPending {
		t.Fatalf("expected pending call untouched, got %s", call.Status)
	}
	// The pending call was already scheduled; recovery overwrites rather than duplicates it.
	if depth, _ := sched.Depth(ctx); depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}
}
