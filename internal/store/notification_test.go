package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/partypush/internal/database"
	"github.com/dukerupert/partypush/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupQueueTestDB(t *testing.T, cfg QueueConfig) (*NotificationStore, *fakeClock) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	ns := NewNotificationStore(db, cfg)
	ns.SetClock(clock.Now)
	return ns, clock
}

func testQueueConfig() QueueConfig {
	return QueueConfig{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3}
}

func newRequest(title, body string) *model.NotificationRequest {
	return &model.NotificationRequest{Payload: model.Payload{Title: title, Body: body}}
}

func TestEnqueue(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	req := &model.NotificationRequest{
		Payload: model.Payload{Title: "Cake time", Body: "Come to the kitchen", URL: "/party"},
		Target:  model.Target{UserID: "u1"},
	}
	id, err := ns.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected an id")
	}

	got, err := ns.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, model.StatusPending)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if got.Payload.URL != "/party" {
		t.Errorf("url = %q, want %q", got.Payload.URL, "/party")
	}
	if got.Target.UserID != "u1" {
		t.Errorf("target user = %q, want %q", got.Target.UserID, "u1")
	}
}

func TestEnqueueDefaultsToBroadcast(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	id, err := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, _ := ns.Get(ctx, id)
	if !got.Target.Broadcast {
		t.Errorf("target = %+v, want broadcast", got.Target)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		req  *model.NotificationRequest
	}{
		{"missing body", newRequest("Hi", "")},
		{"missing title", newRequest("", "Test")},
		{"blank title", newRequest("   ", "Test")},
		{"two targets", &model.NotificationRequest{
			Payload: model.Payload{Title: "Hi", Body: "Test"},
			Target:  model.Target{UserID: "u1", Broadcast: true},
		}},
		{"bad relation", &model.NotificationRequest{
			Payload: model.Payload{Title: "Hi", Body: "Test"},
			Target:  model.Target{TagFilter: []model.TagFilter{{Field: "tag", Key: "team", Relation: "~", Value: "red"}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ns.Enqueue(ctx, tt.req)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	counts, err := ns.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("counts = %v, want nothing persisted", counts)
	}
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	first := newRequest("Hi", "Test")
	first.IdempotencyKey = "party-42-start"
	id1, err := ns.Enqueue(ctx, first)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	second := newRequest("Hi again", "Different body")
	second.IdempotencyKey = "party-42-start"
	id2, err := ns.Enqueue(ctx, second)
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %s != %s", id1, id2)
	}
	if second.Payload.Title != "Hi" {
		t.Errorf("duplicate enqueue should return the original request, got title %q", second.Payload.Title)
	}

	counts, _ := ns.CountByStatus(ctx)
	if counts[model.StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", counts[model.StatusPending])
	}
}

func TestClaimNextFIFO(t *testing.T) {
	ns, clock := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := ns.Enqueue(ctx, newRequest(fmt.Sprintf("n%d", i), "body"))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
		clock.Advance(time.Millisecond)
	}

	for i, want := range ids {
		got, err := ns.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil {
			t.Fatalf("claim %d: got nil", i)
		}
		if got.ID != want {
			t.Errorf("claim %d id = %s, want %s", i, got.ID, want)
		}
		if got.Status != model.StatusInFlight {
			t.Errorf("status = %q, want %q", got.Status, model.StatusInFlight)
		}
		if got.Attempts != 1 {
			t.Errorf("attempts = %d, want 1", got.Attempts)
		}
	}

	got, err := ns.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil from empty queue, got %+v", got)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	cfg := testQueueConfig()

	// Each worker gets its own *sql.DB, standing in for a separate dispatcher process.
	const workers = 6
	stores := make([]*NotificationStore, workers)
	for i := range stores {
		db, err := database.Open(dbPath)
		if err != nil {
			t.Fatalf("open db %d: %v", i, err)
		}
		t.Cleanup(func() { db.Close() })
		stores[i] = NewNotificationStore(db, cfg)
	}

	ctx := context.Background()
	const total = 60
	for i := 0; i < total; i++ {
		if _, err := stores[0].Enqueue(ctx, newRequest(fmt.Sprintf("n%d", i), "body")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for _, s := range stores {
		wg.Add(1)
		go func(s *NotificationStore) {
			defer wg.Done()
			for {
				req, err := s.ClaimNext(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if req == nil {
					return
				}
				mu.Lock()
				seen[req.ID]++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d distinct requests, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("request %s claimed %d times", id, n)
		}
	}
}

func TestNackBacksOff(t *testing.T) {
	ns, clock := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	id, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	if _, err := ns.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	status, err := ns.Nack(ctx, id, errors.New("rate limited"), 0)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if status != model.StatusPending {
		t.Errorf("status = %q, want %q", status, model.StatusPending)
	}

	got, _ := ns.Get(ctx, id)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if !got.NextAttemptAt.After(clock.Now()) {
		t.Errorf("next attempt %v should be after %v", got.NextAttemptAt, clock.Now())
	}
	if got.LastError != "rate limited" {
		t.Errorf("last error = %q, want %q", got.LastError, "rate limited")
	}

	// Not eligible until the backoff elapses.
	if req, _ := ns.ClaimNext(ctx); req != nil {
		t.Fatalf("claimed %s before backoff elapsed", req.ID)
	}
	clock.Advance(time.Second)
	req, err := ns.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if req == nil || req.ID != id {
		t.Fatalf("claim after backoff = %+v, want %s", req, id)
	}
	if req.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", req.Attempts)
	}
}

func TestNackHonorsRetryAfter(t *testing.T) {
	ns, clock := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	id, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	ns.ClaimNext(ctx)
	ns.Nack(ctx, id, errors.New("429"), 30*time.Second)

	got, _ := ns.Get(ctx, id)
	want := clock.Now().Add(30 * time.Second)
	if !got.NextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want %v", got.NextAttemptAt, want)
	}
}

func TestNackExhaustionGoesDead(t *testing.T) {
	ns, clock := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	id, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))

	var status model.NotificationStatus
	for i := 0; i < 3; i++ {
		req, err := ns.ClaimNext(ctx)
		if err != nil || req == nil {
			t.Fatalf("claim %d: req=%v err=%v", i, req, err)
		}
		status, err = ns.Nack(ctx, id, errors.New("gateway down"), 0)
		if err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
		clock.Advance(time.Hour)
	}
	if status != model.StatusDead {
		t.Fatalf("status = %q, want %q", status, model.StatusDead)
	}

	// Nacking a dead request again changes nothing.
	for i := 0; i < 2; i++ {
		status, err := ns.Nack(ctx, id, errors.New("gateway down"), 0)
		if err != nil {
			t.Fatalf("repeat nack: %v", err)
		}
		if status != model.StatusDead {
			t.Errorf("repeat nack status = %q, want %q", status, model.StatusDead)
		}
	}
	got, _ := ns.Get(ctx, id)
	if got.Status != model.StatusDead || got.Attempts != 3 {
		t.Errorf("got status=%q attempts=%d, want dead/3", got.Status, got.Attempts)
	}

	if req, _ := ns.ClaimNext(ctx); req != nil {
		t.Errorf("dead request was claimed again")
	}

	dead, err := ns.ListByStatus(ctx, model.StatusDead, 10)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id {
		t.Errorf("dead = %+v, want [%s]", dead, id)
	}
}

func TestAck(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	id, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	ns.ClaimNext(ctx)

	if err := ns.Ack(ctx, id, model.DeliveryOutcome{RequestID: id, ProviderMessageID: "abc", RecipientCount: 5}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	got, _ := ns.Get(ctx, id)
	if got.Status != model.StatusDelivered {
		t.Errorf("status = %q, want %q", got.Status, model.StatusDelivered)
	}
	if got.RecipientCount != 5 || got.ProviderMessageID != "abc" {
		t.Errorf("outcome = %q/%d, want abc/5", got.ProviderMessageID, got.RecipientCount)
	}

	// A late nack after delivery is ignored.
	status, _ := ns.Nack(ctx, id, errors.New("late"), 0)
	if status != model.StatusDelivered {
		t.Errorf("status after late nack = %q, want %q", status, model.StatusDelivered)
	}
}

func TestFail(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	id, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	ns.ClaimNext(ctx)

	if err := ns.Fail(ctx, id, errors.New("provider rejected payload")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := ns.Get(ctx, id)
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, model.StatusFailed)
	}
}

func TestReclaimStale(t *testing.T) {
	ns, clock := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	id, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	ns.ClaimNext(ctx)

	// Not stale yet.
	n, err := ns.ReclaimStale(ctx, clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed %d, want 0", n)
	}

	clock.Advance(10 * time.Minute)
	n, err = ns.ReclaimStale(ctx, clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	got, _ := ns.Get(ctx, id)
	if got.Status != model.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, model.StatusPending)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (reclaim never lowers attempts)", got.Attempts)
	}
}

func TestReclaimStaleExhaustedGoesDead(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxAttempts = 1
	ns, clock := setupQueueTestDB(t, cfg)
	ctx := context.Background()

	id, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	ns.ClaimNext(ctx)
	clock.Advance(10 * time.Minute)

	if _, err := ns.ReclaimStale(ctx, clock.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	got, _ := ns.Get(ctx, id)
	if got.Status != model.StatusDead {
		t.Errorf("status = %q, want %q", got.Status, model.StatusDead)
	}
}

func TestCancel(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	pending, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	if err := ns.Cancel(ctx, pending); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if _, err := ns.Get(ctx, pending); !errors.Is(err, ErrNotFound) {
		t.Errorf("get cancelled = %v, want ErrNotFound", err)
	}

	claimed, _ := ns.Enqueue(ctx, newRequest("Hi", "Test"))
	ns.ClaimNext(ctx)
	if err := ns.Cancel(ctx, claimed); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("cancel in flight = %v, want ErrNotCancellable", err)
	}

	if err := ns.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing = %v, want ErrNotFound", err)
	}
}

func TestEnqueueClaimed(t *testing.T) {
	ns, _ := setupQueueTestDB(t, testQueueConfig())
	ctx := context.Background()

	req, err := ns.EnqueueClaimed(ctx, newRequest("Hi", "Test"))
	if err != nil {
		t.Fatalf("enqueue claimed: %v", err)
	}
	if req.Status != model.StatusInFlight || req.Attempts != 1 {
		t.Errorf("got status=%q attempts=%d, want in_flight/1", req.Status, req.Attempts)
	}
	if other, _ := ns.ClaimNext(ctx); other != nil {
		t.Errorf("background claim picked up a synchronously claimed request")
	}
}

func TestBackoff(t *testing.T) {
	cfg := QueueConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempts   int
		retryAfter time.Duration
		want       time.Duration
	}{
		{0, 0, time.Second},
		// The first failure waits the base delay.
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{4, 0, 8 * time.Second},
		{5, 0, 10 * time.Second},
		{40, 0, 10 * time.Second},
		{1, 30 * time.Second, 30 * time.Second},
		{3, time.Second, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempts, tt.retryAfter); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.attempts, tt.retryAfter, got, tt.want)
		}
	}
}
