// Package devicecache keeps a short-TTL read copy of device rows in
// Redis so presence lookups on the hot path skip the relational store.
// The cache is advisory: every miss or Redis failure falls through to
// the store, and writers invalidate rather than update.
package devicecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"consultation-relay/internal/config"
	"consultation-relay/internal/models"
	"consultation-relay/internal/telemetry"
)

// ErrMiss reports that the device is not cached.
var ErrMiss = errors.New("device not cached")

// Cache is a Redis-backed device read cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis per config.
func New(cfg config.Config, logger *slog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Cache{client: client, ttl: cfg.CacheTTL, logger: logger}
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func key(deviceID int64) string {
	return fmt.Sprintf("device:%d", deviceID)
}

// Get returns the cached device or ErrMiss.
func (c *Cache) Get(ctx context.Context, deviceID int64) (models.Device, error) {
	raw, err := c.client.Get(ctx, key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.DeviceCacheMisses.Inc()
		return models.Device{}, ErrMiss
	}
	if err != nil {
		telemetry.DeviceCacheMisses.Inc()
		return models.Device{}, fmt.Errorf("cache get device %d: %w", deviceID, err)
	}
	var device models.Device
	if err := json.Unmarshal(raw, &device); err != nil {
		// A corrupt entry behaves like a miss; drop it.
		c.client.Del(ctx, key(deviceID))
		telemetry.DeviceCacheMisses.Inc()
		return models.Device{}, ErrMiss
	}
	telemetry.DeviceCacheHits.Inc()
	return device, nil
}

// Put stores the device for the configured TTL. Failures are logged
// and dropped; the cache never blocks a read path.
func (c *Cache) Put(ctx context.Context, device models.Device) {
	raw, err := json.Marshal(device)
	if err != nil {
		c.logger.Warn("cache encode failed", "device_id", device.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, key(device.ID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache put failed", "device_id", device.ID, "error", err)
	}
}

// Invalidate drops the cached entry after the underlying row changed.
func (c *Cache) Invalidate(ctx context.Context, deviceID int64) {
	if err := c.client.Del(ctx, key(deviceID)).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", "device_id", deviceID, "error", err)
	}
}

// Healthy pings Redis.
func (c *Cache) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Start satisfies the supervisor service contract; the client connects
// lazily so there is nothing to do beyond a reachability probe.
func (c *Cache) Start() error {
	if !c.Healthy() {
		return errors.New("redis unreachable")
	}
	return nil
}

// Stop leaves the client open so a supervisor restart can reuse it;
// Close releases it.
func (c *Cache) Stop() error {
	return nil
}

// Close releases the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
