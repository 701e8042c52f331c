// Package store provides pooled, health-checked access to the
// relational device table. Sessions are short-lived: no caller holds
// one across a network call.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"consultation-relay/internal/config"
	"consultation-relay/internal/models"
	"consultation-relay/internal/retry"
)

// ErrConnection reports that session acquisition failed even after the
// bounded retry schedule.
var ErrConnection = errors.New("database connection unavailable")

// ErrDeviceNotFound reports an unknown device id or beacon id.
var ErrDeviceNotFound = errors.New("device not found")

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	beacon_id TEXT UNIQUE,
	present BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	ntp_synced BOOLEAN NOT NULL DEFAULT FALSE,
	grace_period BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_devices_present ON devices (present);
`

// Store wraps pgxpool for device persistence.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	policy retry.Policy

	healthInterval time.Duration
	healthy        atomic.Bool
	consecFailures atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pooled connection to Postgres and bootstraps the schema.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.MaxConns = 10
	pc.MinConns = 2
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &Store{
		pool:           pool,
		logger:         logger,
		policy:         retry.Exponential(cfg.SessionMaxRetries, cfg.SessionBackoff),
		healthInterval: cfg.DBHealthInterval,
		done:           make(chan struct{}),
	}
	s.policy.Max = 30 * time.Second

	if err := s.withSession(ctx, func(conn *pgxpool.Conn) error {
		_, execErr := conn.Exec(ctx, schema)
		return execErr
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	s.healthy.Store(true)
	return s, nil
}

// Close releases the pool. Call Stop first if the health loop is running.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// withSession acquires a pooled connection under the retry policy and
// releases it when fn returns. Exhausted acquisition surfaces as
// ErrConnection.
func (s *Store) withSession(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	var conn *pgxpool.Conn
	acquireErr := s.policy.Do(ctx, func() error {
		c, err := s.pool.Acquire(ctx)
		if err != nil {
			s.logger.Warn("session acquisition failed", "error", err)
			return err
		}
		conn = c
		return nil
	})
	if acquireErr != nil {
		if errors.Is(acquireErr, context.Canceled) || errors.Is(acquireErr, context.DeadlineExceeded) {
			return acquireErr
		}
		return fmt.Errorf("%w: %v", ErrConnection, acquireErr)
	}
	defer conn.Release()
	return fn(conn)
}

const deviceColumns = `id, name, beacon_id, present, last_seen, version, ntp_synced, grace_period`

func scanDevice(row pgx.Row) (models.Device, error) {
	var d models.Device
	var beacon pgtype.Text
	var lastSeen pgtype.Timestamptz
	if err := row.Scan(&d.ID, &d.Name, &beacon, &d.Present, &lastSeen, &d.Version, &d.NTPSynced, &d.GracePeriod); err != nil {
		return models.Device{}, err
	}
	if beacon.Valid {
		d.BeaconID = &beacon.String
	}
	if lastSeen.Valid {
		ts := lastSeen.Time
		d.LastSeen = &ts
	}
	return d, nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id int64) (models.Device, error) {
	var device models.Device
	err := s.withSession(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
		d, err := scanDevice(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrDeviceNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("scan device: %w", err)
		}
		device = d
		return nil
	})
	return device, err
}

// DeviceByBeacon resolves a device from its configured presence beacon.
func (s *Store) DeviceByBeacon(ctx context.Context, beaconID string) (models.Device, error) {
	var device models.Device
	err := s.withSession(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE beacon_id = $1`, beaconID)
		d, err := scanDevice(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: beacon %s", ErrDeviceNotFound, beaconID)
		}
		if err != nil {
			return fmt.Errorf("scan device: %w", err)
		}
		device = d
		return nil
	})
	return device, err
}

// ListDevices returns all known devices for the ops API.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := s.withSession(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
		if err != nil {
			return fmt.Errorf("query devices: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return fmt.Errorf("scan device: %w", err)
			}
			devices = append(devices, d)
		}
		return rows.Err()
	})
	return devices, err
}

// UpdatePresence sets a device's presence inside one row-locked
// transaction. When the value is unchanged it reports changed=false and
// writes nothing; otherwise last_seen and version move together.
func (s *Store) UpdatePresence(ctx context.Context, id int64, present bool) (models.Device, bool, error) {
	var device models.Device
	changed := false
	err := s.withSession(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx) // safe no-op on commit

		row := tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1 FOR UPDATE`, id)
		d, err := scanDevice(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrDeviceNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("scan device: %w", err)
		}

		if d.Present == present {
			device = d
			return nil
		}

		now := time.Now().UTC()
		row = tx.QueryRow(ctx, `
			UPDATE devices
			SET present = $2, last_seen = $3, version = version + 1
			WHERE id = $1
			RETURNING `+deviceColumns, id, present, now)
		d, err = scanDevice(row)
		if err != nil {
			return fmt.Errorf("update presence: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		device = d
		changed = true
		return nil
	})
	return device, changed, err
}

// UpdateSyncFlags records the device-reported NTP and grace-period state.
func (s *Store) UpdateSyncFlags(ctx context.Context, id int64, ntpSynced, gracePeriod bool) error {
	return s.withSession(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE devices SET ntp_synced = $2, grace_period = $3 WHERE id = $1
		`, id, ntpSynced, gracePeriod)
		if err != nil {
			return fmt.Errorf("update sync flags: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: id %d", ErrDeviceNotFound, id)
		}
		return nil
	})
}

// Start launches the background health loop. Start after Stop
// relaunches it, so the supervisor can restart the store service.
func (s *Store) Start() error {
	s.done = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.wg.Add(1)
	go s.healthLoop()
	return nil
}

// Stop terminates the health loop. The pool stays open so a restart
// can resume monitoring; Close releases it.
func (s *Store) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// Healthy reports the last health-loop verdict.
func (s *Store) Healthy() bool {
	return s.healthy.Load()
}

func (s *Store) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.pool.Ping(ctx)
			cancel()
			if err != nil {
				n := s.consecFailures.Add(1)
				s.healthy.Store(false)
				s.logger.Warn("database health check failed", "consecutive_failures", n, "error", err)
				continue
			}
			if !s.healthy.Load() {
				s.logger.Info("database health restored")
			}
			s.consecFailures.Store(0)
			s.healthy.Store(true)
		}
	}
}
