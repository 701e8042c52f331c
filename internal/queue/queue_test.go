package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"consultation-relay/internal/config"
	"consultation-relay/internal/models"
)

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []models.QueuedDelivery
	err   error
}

func (r *recordingDeliverer) deliver(_ context.Context, item models.QueuedDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, item)
	return r.err
}

func (r *recordingDeliverer) delivered() []models.QueuedDelivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.QueuedDelivery, len(r.calls))
	copy(out, r.calls)
	return out
}

func newTestQueue(t *testing.T, deliver DeliverFunc) *Queue {
	t.Helper()
	cfg := config.Config{
		QueuePath:        ":memory:",
		SweepInterval:    time.Hour,
		RetryInterval:    5 * time.Minute,
		MaxRetryAttempts: 3,
		DeliveryTTL:      2 * time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := Open(cfg, logger, deliver)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.db.Close() })
	return q
}

func request(consultationID, deviceID int64, msg string) models.ConsultationRequest {
	return models.ConsultationRequest{
		ID:          consultationID,
		RequesterID: 7,
		DeviceID:    deviceID,
		Message:     msg,
		Status:      models.ConsultationPending,
		CreatedAt:   time.Now(),
	}
}

func TestSubmitRejectsOnlineDevice(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)
	q.OnDeviceOnline(42)

	_, err := q.Submit(context.Background(), request(1, 42, "hello"), models.PriorityNormal)
	if !errors.Is(err, ErrDeviceOnline) {
		t.Fatalf("expected ErrDeviceOnline, got %v", err)
	}
}

func TestSubmitDoesNotDeduplicate(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)

	a, err := q.Submit(context.Background(), request(1, 42, "first"), models.PriorityNormal)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	b, err := q.Submit(context.Background(), request(1, 42, "second"), models.PriorityNormal)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("two submits for one consultation shared an id: %s", a.ID)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := stats.StatusBreakdown[models.StatusPending].Count; got != 2 {
		t.Fatalf("expected 2 pending items, got %d", got)
	}
}

func TestDrainOrderHighestPriorityFirst(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	priorities := []int{models.PriorityLow, models.PriorityCritical, models.PriorityNormal, models.PriorityHigh}
	for i, p := range priorities {
		clock = base.Add(time.Duration(i) * time.Second)
		if _, err := q.Submit(ctx, request(int64(i+1), 42, "msg"), p); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	q.OnDeviceOnline(42)

	got := rec.delivered()
	if len(got) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(got))
	}
	want := []int{models.PriorityCritical, models.PriorityHigh, models.PriorityNormal, models.PriorityLow}
	for i, item := range got {
		if item.Priority != want[i] {
			t.Fatalf("delivery %d: priority %d, want %d", i, item.Priority, want[i])
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := stats.StatusBreakdown[models.StatusSent].Count; got != 4 {
		t.Fatalf("expected 4 sent items, got %d", got)
	}
}

func TestDrainOrderOldestFirstWithinPriority(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		if _, err := q.Submit(ctx, request(int64(i+1), 42, "msg"), models.PriorityNormal); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	q.OnDeviceOnline(42)

	got := rec.delivered()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, item := range got {
		if item.ConsultationID != int64(i+1) {
			t.Fatalf("delivery %d: consultation %d, want %d", i, item.ConsultationID, i+1)
		}
	}
}

func TestFailedDeliveryScheduledForRetry(t *testing.T) {
	rec := &recordingDeliverer{err: errors.New("broker unavailable")}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	submitted, err := q.Submit(ctx, request(1, 42, "msg"), models.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	q.OnDeviceOnline(42)

	item, err := q.Item(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != models.StatusFailed {
		t.Fatalf("status %q, want %q", item.Status, models.StatusFailed)
	}
	if item.RetryCount != 0 {
		t.Fatalf("initial failure consumed a retry: count %d", item.RetryCount)
	}
	if item.LastError == nil || *item.LastError != "broker unavailable" {
		t.Fatalf("last_error not recorded: %v", item.LastError)
	}
	if !item.NextRetry.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("next_retry %v, want %v", item.NextRetry, base.Add(5*time.Minute))
	}

	// Not yet due: sweep must leave it alone.
	clock = base.Add(time.Minute)
	q.Sweep(ctx)
	if got := rec.delivered(); len(got) != 1 {
		t.Fatalf("sweep retried before next_retry: %d attempts", len(got))
	}

	// Due now: one retry, counter moves.
	clock = base.Add(6 * time.Minute)
	q.Sweep(ctx)
	if got := rec.delivered(); len(got) != 2 {
		t.Fatalf("expected a retry attempt, got %d attempts", len(got))
	}
	item, err = q.Item(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("item after retry: %v", err)
	}
	if item.RetryCount != 1 {
		t.Fatalf("retry count %d, want 1", item.RetryCount)
	}
}

func TestRetryExhaustionPurges(t *testing.T) {
	rec := &recordingDeliverer{err: errors.New("still down")}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	submitted, err := q.Submit(ctx, request(1, 42, "msg"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	q.OnDeviceOnline(42)

	for i := 0; i < 3; i++ {
		clock = clock.Add(6 * time.Minute)
		q.Sweep(ctx)
	}

	if _, err := q.Item(ctx, submitted.ID); err == nil {
		t.Fatal("retry-exhausted item survived the sweep")
	}
}

func TestAcknowledgeLifecycle(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	submitted, err := q.Submit(ctx, request(1, 42, "msg"), models.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Cannot acknowledge before the item was sent.
	if err := q.Acknowledge(ctx, submitted.ID); err == nil {
		t.Fatal("acknowledged a pending item")
	}

	q.OnDeviceOnline(42)
	if err := q.Acknowledge(ctx, submitted.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	item, err := q.Item(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != models.StatusAcknowledged {
		t.Fatalf("status %q, want %q", item.Status, models.StatusAcknowledged)
	}

	q.Sweep(ctx)
	if _, err := q.Item(ctx, submitted.ID); err == nil {
		t.Fatal("acknowledged item survived the sweep")
	}
}

func TestExpiryPurgesRegardlessOfStatus(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	submitted, err := q.Submit(ctx, request(1, 42, "msg"), models.PriorityCritical)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Still pending, never attempted, but past its TTL.
	clock = base.Add(2*time.Hour + time.Second)
	q.Sweep(ctx)

	if _, err := q.Item(ctx, submitted.ID); err == nil {
		t.Fatal("expired item survived the sweep")
	}
	if got := rec.delivered(); len(got) != 0 {
		t.Fatalf("expired item was attempted %d times", len(got))
	}
}

func TestOfflineTransitionStopsDirectSubmitRejection(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	q.OnDeviceOnline(42)
	q.OnDeviceOffline(42)

	if _, err := q.Submit(ctx, request(1, 42, "msg"), models.PriorityNormal); err != nil {
		t.Fatalf("submit after offline transition: %v", err)
	}
}

func TestStatsTracksReachability(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)

	q.OnDeviceOnline(1)
	q.OnDeviceOnline(2)
	q.OnDeviceOffline(2)

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TrackedDevices != 2 {
		t.Fatalf("tracked %d, want 2", stats.TrackedDevices)
	}
	if stats.OnlineDevices != 1 {
		t.Fatalf("online %d, want 1", stats.OnlineDevices)
	}
}

func TestStopKeepsStoreOpenForRestart(t *testing.T) {
	rec := &recordingDeliverer{}
	q := newTestQueue(t, rec.deliver)
	ctx := context.Background()

	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !q.Healthy() {
		t.Fatal("store closed by stop")
	}
	if err := q.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer q.Stop()

	if _, err := q.Submit(ctx, request(1, 42, "msg"), models.PriorityNormal); err != nil {
		t.Fatalf("submit after restart: %v", err)
	}
	q.OnDeviceOnline(42)
	if got := rec.delivered(); len(got) != 1 {
		t.Fatalf("expected 1 delivery after restart, got %d", len(got))
	}
}
