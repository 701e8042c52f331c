// Package queue persists consultation deliveries targeted at offline
// devices and retries them until acknowledged, expired, or retry
// exhausted. The store is an embedded sqlite file, deliberately
// independent of the relational database so delivery bookkeeping
// survives relational outages.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"consultation-relay/internal/config"
	"consultation-relay/internal/models"
	"consultation-relay/internal/telemetry"
)

// ErrDeviceOnline reports a submit for a device the queue believes is
// reachable; callers should publish directly instead.
var ErrDeviceOnline = errors.New("device is online, publish directly")

// DeliverFunc performs one delivery attempt for a queued item.
type DeliverFunc func(ctx context.Context, item models.QueuedDelivery) error

// timeFormat is fixed-width ISO-8601 so stored timestamps sort
// correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS queued_deliveries (
	id TEXT PRIMARY KEY,
	consultation_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	requester_id INTEGER NOT NULL,
	message TEXT NOT NULL,
	context_code TEXT,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	last_error TEXT,
	acked_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_device_status ON queued_deliveries (device_id, status);
CREATE INDEX IF NOT EXISTS idx_next_retry ON queued_deliveries (next_retry);
`

// Statistics summarizes queue contents and tracked device reachability.
type Statistics struct {
	StatusBreakdown map[string]StatusStat `json:"status_breakdown"`
	DevicePending   map[int64]int         `json:"device_pending"`
	OnlineDevices   int                   `json:"online_devices"`
	TrackedDevices  int                   `json:"tracked_devices"`
}

// StatusStat is the per-status slice of Statistics.
type StatusStat struct {
	Count      int     `json:"count"`
	AvgRetries float64 `json:"avg_retries"`
}

// Queue is the offline delivery queue.
type Queue struct {
	db      *sql.DB
	logger  *slog.Logger
	deliver DeliverFunc

	sweepInterval time.Duration
	retryInterval time.Duration
	ttl           time.Duration
	maxRetries    int

	mu     sync.Mutex
	online map[int64]bool

	now func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open creates (or reopens) the queue store at cfg.QueuePath and binds
// the delivery function.
func Open(cfg config.Config, logger *slog.Logger, deliver DeliverFunc) (*Queue, error) {
	db, err := sql.Open("sqlite3", cfg.QueuePath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap queue schema: %w", err)
	}

	q := &Queue{
		db:            db,
		logger:        logger,
		deliver:       deliver,
		sweepInterval: cfg.SweepInterval,
		retryInterval: cfg.RetryInterval,
		ttl:           cfg.DeliveryTTL,
		maxRetries:    cfg.MaxRetryAttempts,
		online:        make(map[int64]bool),
		now:           time.Now,
		done:          make(chan struct{}),
	}
	return q, nil
}

// Start launches the background sweep loop. Start after Stop resumes
// sweeping, so the supervisor can restart the queue.
func (q *Queue) Start() error {
	q.done = make(chan struct{})
	q.stopOnce = sync.Once{}
	q.wg.Add(1)
	go q.sweepLoop()
	return nil
}

// Stop terminates the sweep loop. The store stays open so a restart
// can pick the queue back up; Close releases it.
func (q *Queue) Stop() error {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	return nil
}

// Close stops the sweep loop and closes the store.
func (q *Queue) Close() error {
	_ = q.Stop()
	return q.db.Close()
}

// Healthy pings the embedded store.
func (q *Queue) Healthy() bool {
	return q.db.Ping() == nil
}

// Submit persists one delivery attempt for a consultation whose target
// device is currently offline. Submitting while the device is believed
// online is rejected with ErrDeviceOnline. Two submits for the same
// consultation yield two independent items.
func (q *Queue) Submit(ctx context.Context, req models.ConsultationRequest, priority int) (models.QueuedDelivery, error) {
	if q.IsDeviceOnline(req.DeviceID) {
		return models.QueuedDelivery{}, fmt.Errorf("%w: device %d", ErrDeviceOnline, req.DeviceID)
	}
	if priority < models.PriorityLow || priority > models.PriorityCritical {
		priority = models.PriorityNormal
	}

	now := q.now().UTC()
	item := models.QueuedDelivery{
		ID:             uuid.New().String(),
		ConsultationID: req.ID,
		DeviceID:       req.DeviceID,
		RequesterID:    req.RequesterID,
		Message:        req.Message,
		ContextCode:    req.ContextCode,
		Priority:       priority,
		Status:         models.StatusPending,
		CreatedAt:      now,
		NextRetry:      now,
		ExpiresAt:      now.Add(q.ttl),
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queued_deliveries
		(id, consultation_id, device_id, requester_id, message, context_code, priority, status, created_at, retry_count, next_retry, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, item.ID, item.ConsultationID, item.DeviceID, item.RequesterID, item.Message, item.ContextCode,
		item.Priority, item.Status, now.Format(timeFormat), now.Format(timeFormat), item.ExpiresAt.Format(timeFormat))
	if err != nil {
		return models.QueuedDelivery{}, fmt.Errorf("insert delivery: %w", err)
	}

	telemetry.DeliveriesQueued.Inc()
	q.logger.Info("queued delivery for offline device",
		"item_id", item.ID, "device_id", item.DeviceID, "consultation_id", item.ConsultationID,
		"priority", models.PriorityName(priority))
	return item, nil
}

// OnDeviceOnline records the device as reachable and immediately drains
// its pending items, highest priority first.
func (q *Queue) OnDeviceOnline(deviceID int64) {
	q.mu.Lock()
	was := q.online[deviceID]
	q.online[deviceID] = true
	q.mu.Unlock()

	if !was {
		q.logger.Info("device came online, draining queue", "device_id", deviceID)
		q.drainDevice(context.Background(), deviceID)
	}
}

// OnDeviceOffline records the device as unreachable.
func (q *Queue) OnDeviceOffline(deviceID int64) {
	q.mu.Lock()
	q.online[deviceID] = false
	q.mu.Unlock()
}

// IsDeviceOnline reports the queue's view of a device's reachability.
func (q *Queue) IsDeviceOnline(deviceID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online[deviceID]
}

// Acknowledge marks a sent item as acknowledged by the device. The
// sweep removes acknowledged rows afterwards.
func (q *Queue) Acknowledge(ctx context.Context, itemID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queued_deliveries SET status = ?, acked_at = ? WHERE id = ? AND status = ?
	`, models.StatusAcknowledged, q.now().UTC().Format(timeFormat), itemID, models.StatusSent)
	if err != nil {
		return fmt.Errorf("acknowledge delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no sent delivery with id %s", itemID)
	}
	q.logger.Info("delivery acknowledged", "item_id", itemID)
	return nil
}

// Item fetches one queued delivery by id.
func (q *Queue) Item(ctx context.Context, itemID string) (models.QueuedDelivery, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, consultation_id, device_id, requester_id, message, context_code, priority, status,
		       created_at, retry_count, next_retry, expires_at, last_error
		FROM queued_deliveries WHERE id = ?
	`, itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueuedDelivery{}, fmt.Errorf("no delivery with id %s", itemID)
	}
	return item, err
}

// drainDevice attempts one delivery per pending item for the device,
// ordered by (priority desc, created_at asc).
func (q *Queue) drainDevice(ctx context.Context, deviceID int64) {
	items, err := q.queryItems(ctx, `
		SELECT id, consultation_id, device_id, requester_id, message, context_code, priority, status,
		       created_at, retry_count, next_retry, expires_at, last_error
		FROM queued_deliveries
		WHERE device_id = ? AND status = ?
		ORDER BY priority DESC, created_at ASC
	`, deviceID, models.StatusPending)
	if err != nil {
		q.logger.Error("drain query failed", "device_id", deviceID, "error", err)
		return
	}

	for _, item := range items {
		q.attempt(ctx, item)
	}
}

// attempt performs a single delivery attempt and records the outcome.
// Delivery errors are contained here; they never propagate.
func (q *Queue) attempt(ctx context.Context, item models.QueuedDelivery) {
	err := func() (deliverErr error) {
		defer func() {
			if r := recover(); r != nil {
				deliverErr = fmt.Errorf("delivery panic: %v", r)
			}
		}()
		return q.deliver(ctx, item)
	}()

	if err == nil {
		q.markSent(ctx, item.ID)
		telemetry.DeliveriesSent.Inc()
		q.logger.Info("delivery sent", "item_id", item.ID, "device_id", item.DeviceID)
		return
	}

	q.markFailed(ctx, item, err.Error())
	telemetry.DeliveriesFailed.Inc()
	q.logger.Warn("delivery attempt failed", "item_id", item.ID, "device_id", item.DeviceID, "error", err)
}

func (q *Queue) markSent(ctx context.Context, itemID string) {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE queued_deliveries SET status = ?, last_error = NULL WHERE id = ?
	`, models.StatusSent, itemID); err != nil {
		q.logger.Error("mark sent failed", "item_id", itemID, "error", err)
	}
}

// markFailed records the error and schedules the next retry on the
// fixed interval. The retry counter moves only when a retry attempt
// fails, so the first failure leaves the full budget intact.
func (q *Queue) markFailed(ctx context.Context, item models.QueuedDelivery, lastError string) {
	retryCount := item.RetryCount
	if item.Status == models.StatusFailed {
		retryCount++
	}
	next := q.now().UTC().Add(q.retryInterval)
	if _, err := q.db.ExecContext(ctx, `
		UPDATE queued_deliveries SET status = ?, retry_count = ?, next_retry = ?, last_error = ? WHERE id = ?
	`, models.StatusFailed, retryCount, next.Format(timeFormat), lastError, item.ID); err != nil {
		q.logger.Error("mark failed failed", "item_id", item.ID, "error", err)
	}
}

func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.Sweep(context.Background())
		}
	}
}

// Sweep retries eligible failed items on online devices and purges
// expired, retry-exhausted, and acknowledged rows. One item's failure
// never terminates the pass.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.now().UTC()

	items, err := q.queryItems(ctx, `
		SELECT id, consultation_id, device_id, requester_id, message, context_code, priority, status,
		       created_at, retry_count, next_retry, expires_at, last_error
		FROM queued_deliveries
		WHERE status = ? AND next_retry <= ? AND retry_count < ?
		ORDER BY priority DESC, next_retry ASC
	`, models.StatusFailed, now.Format(timeFormat), q.maxRetries)
	if err != nil {
		q.logger.Error("sweep retry query failed", "error", err)
	} else {
		for _, item := range items {
			if !q.IsDeviceOnline(item.DeviceID) {
				continue
			}
			q.attempt(ctx, item)
		}
	}

	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queued_deliveries
		WHERE expires_at <= ?
		   OR (status = ? AND retry_count >= ?)
		   OR status = ?
	`, now.Format(timeFormat), models.StatusFailed, q.maxRetries, models.StatusAcknowledged)
	if err != nil {
		q.logger.Error("sweep purge failed", "error", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		telemetry.DeliveriesExpired.Add(float64(n))
		q.logger.Info("purged finished deliveries", "count", n)
	}

	if pending, err := q.countStatus(ctx, models.StatusPending); err == nil {
		telemetry.PendingDeliveryGauge.Set(float64(pending))
	}
}

// Stats reports counts by status and by device plus reachability totals.
func (q *Queue) Stats(ctx context.Context) (Statistics, error) {
	stats := Statistics{
		StatusBreakdown: make(map[string]StatusStat),
		DevicePending:   make(map[int64]int),
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*), AVG(retry_count) FROM queued_deliveries GROUP BY status
	`)
	if err != nil {
		return Statistics{}, fmt.Errorf("query status breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var st StatusStat
		if err := rows.Scan(&status, &st.Count, &st.AvgRetries); err != nil {
			return Statistics{}, fmt.Errorf("scan status breakdown: %w", err)
		}
		stats.StatusBreakdown[status] = st
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, err
	}

	deviceRows, err := q.db.QueryContext(ctx, `
		SELECT device_id, COUNT(*) FROM queued_deliveries WHERE status = ? GROUP BY device_id
	`, models.StatusPending)
	if err != nil {
		return Statistics{}, fmt.Errorf("query device pending: %w", err)
	}
	defer deviceRows.Close()
	for deviceRows.Next() {
		var deviceID int64
		var count int
		if err := deviceRows.Scan(&deviceID, &count); err != nil {
			return Statistics{}, fmt.Errorf("scan device pending: %w", err)
		}
		stats.DevicePending[deviceID] = count
	}
	if err := deviceRows.Err(); err != nil {
		return Statistics{}, err
	}

	q.mu.Lock()
	stats.TrackedDevices = len(q.online)
	for _, on := range q.online {
		if on {
			stats.OnlineDevices++
		}
	}
	q.mu.Unlock()
	telemetry.DevicesOnlineGauge.Set(float64(stats.OnlineDevices))

	return stats, nil
}

func (q *Queue) countStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_deliveries WHERE status = ?`, status).Scan(&n)
	return n, err
}

func (q *Queue) queryItems(ctx context.Context, query string, args ...any) ([]models.QueuedDelivery, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.QueuedDelivery
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.QueuedDelivery, error) {
	var item models.QueuedDelivery
	var contextCode, lastError sql.NullString
	var createdAt, nextRetry, expiresAt string
	if err := row.Scan(&item.ID, &item.ConsultationID, &item.DeviceID, &item.RequesterID, &item.Message,
		&contextCode, &item.Priority, &item.Status, &createdAt, &item.RetryCount, &nextRetry, &expiresAt, &lastError); err != nil {
		return models.QueuedDelivery{}, err
	}
	if contextCode.Valid {
		item.ContextCode = &contextCode.String
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	var err error
	if item.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return models.QueuedDelivery{}, fmt.Errorf("parse created_at: %w", err)
	}
	if item.NextRetry, err = time.Parse(timeFormat, nextRetry); err != nil {
		return models.QueuedDelivery{}, fmt.Errorf("parse next_retry: %w", err)
	}
	if item.ExpiresAt, err = time.Parse(timeFormat, expiresAt); err != nil {
		return models.QueuedDelivery{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return item, nil
}
