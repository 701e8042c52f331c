// Package presence owns the device reachability state machine. Every
// wire shape a device may emit is normalized to a presence event, the
// database row is the single source of truth for the transition, and
// effective changes fan out to the cache, the delivery queue, MQTT
// consumers, and in-process callbacks.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"consultation-relay/internal/config"
	"consultation-relay/internal/models"
	"consultation-relay/internal/retry"
	"consultation-relay/internal/telemetry"
	"consultation-relay/internal/transport"
)

// DeviceStore is the slice of the relational store the coordinator needs.
type DeviceStore interface {
	DeviceByBeacon(ctx context.Context, beaconID string) (models.Device, error)
	UpdatePresence(ctx context.Context, id int64, present bool) (models.Device, bool, error)
}

// Invalidator removes a device's cached read copy after its row changed.
type Invalidator interface {
	Invalidate(ctx context.Context, deviceID int64)
}

// QueueHook receives reachability transitions so queued deliveries can
// drain or accumulate.
type QueueHook interface {
	OnDeviceOnline(deviceID int64)
	OnDeviceOffline(deviceID int64)
}

// Publisher is the outbound slice of the transport.
type Publisher interface {
	Publish(topic string, payload any, qos byte, retain bool, batch bool) error
}

// Callback observes effective presence changes in-process.
type Callback func(models.PresenceNotification)

// Coordinator serializes presence updates per device and broadcasts
// effective changes.
type Coordinator struct {
	store     DeviceStore
	cache     Invalidator
	queue     QueueHook
	publisher Publisher
	logger    *slog.Logger
	policy    retry.Policy

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	seq atomic.Uint64

	cbMu      sync.RWMutex
	callbacks []Callback
}

// New builds a coordinator. Cache, queue, and publisher may be nil; the
// corresponding fan-out step is then skipped.
func New(cfg config.Config, store DeviceStore, cache Invalidator, queue QueueHook, pub Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		cache:     cache,
		queue:     queue,
		publisher: pub,
		logger:    logger,
		policy:    retry.Exponential(cfg.PresenceMaxAttempts, cfg.PresenceBackoff),
		locks:     make(map[int64]*sync.Mutex),
	}
}

// OnChange registers a callback invoked after every effective change.
func (c *Coordinator) OnChange(fn Callback) {
	c.cbMu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.cbMu.Unlock()
}

// deviceLock returns the mutex for one device, creating it lazily.
func (c *Coordinator) deviceLock(id int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// Sequence reports the number of effective changes broadcast so far.
func (c *Coordinator) Sequence() uint64 {
	return c.seq.Load()
}

// Update applies one presence observation. Unchanged observations are
// a no-op: no version bump, no notification. An effective change bumps
// the row version, invalidates the cache, moves the delivery queue,
// and broadcasts a sequenced notification.
func (c *Coordinator) Update(ctx context.Context, deviceID int64, present bool) (models.Device, bool, error) {
	l := c.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	device, changed, err := c.store.UpdatePresence(ctx, deviceID, present)
	if err != nil {
		return models.Device{}, false, fmt.Errorf("update presence for device %d: %w", deviceID, err)
	}
	if !changed {
		return device, false, nil
	}

	telemetry.PresenceUpdates.Inc()
	if c.cache != nil {
		c.cache.Invalidate(ctx, deviceID)
	}
	if c.queue != nil {
		if present {
			c.queue.OnDeviceOnline(deviceID)
		} else {
			c.queue.OnDeviceOffline(deviceID)
		}
	}

	c.broadcast(device, present)
	return device, true, nil
}

// UpdateWithRetry retries transient store failures on a short doubling
// schedule before giving up.
func (c *Coordinator) UpdateWithRetry(ctx context.Context, deviceID int64, present bool) (models.Device, bool, error) {
	var device models.Device
	var changed bool
	err := c.policy.Do(ctx, func() error {
		var uerr error
		device, changed, uerr = c.Update(ctx, deviceID, present)
		return uerr
	})
	return device, changed, err
}

func (c *Coordinator) broadcast(device models.Device, present bool) {
	ts := time.Now().UTC().Format(time.RFC3339)
	note := models.PresenceNotification{
		Type:            "device_presence",
		DeviceID:        device.ID,
		DeviceName:      device.Name,
		Present:         present,
		PreviousPresent: !present,
		Sequence:        c.seq.Add(1),
		Version:         device.Version,
		Timestamp:       &ts,
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(transport.TopicSystemNotifications, note, 1, false, false); err != nil {
			c.logger.Warn("presence notification publish failed", "device_id", device.ID, "error", err)
		}
		if err := c.publisher.Publish(transport.DeviceStatusUpdateTopic(device.ID), note, 1, false, false); err != nil {
			c.logger.Warn("device status publish failed", "device_id", device.ID, "error", err)
		}
	}

	c.cbMu.RLock()
	cbs := make([]Callback, len(c.callbacks))
	copy(cbs, c.callbacks)
	c.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(note)
	}

	c.logger.Info("device presence changed",
		"device_id", device.ID, "device_name", device.Name,
		"present", present, "version", device.Version, "sequence", note.Sequence)
}

// HandleDeviceStatus is the inbound handler for per-device status
// topics. Payloads that resolve to no presence state are dropped.
func (c *Coordinator) HandleDeviceStatus(topic string, payload []byte) {
	deviceID, err := transport.DeviceIDFromTopic(topic)
	if err != nil {
		telemetry.PresenceDropped.Inc()
		c.logger.Warn("status message on malformed topic", "topic", topic, "error", err)
		return
	}
	present, ok := parsePresence(payload)
	if !ok {
		telemetry.PresenceDropped.Inc()
		c.logger.Warn("unrecognized status payload", "topic", topic, "payload", string(payload))
		return
	}
	if _, _, err := c.UpdateWithRetry(context.Background(), deviceID, present); err != nil {
		c.logger.Error("presence update failed", "device_id", deviceID, "error", err)
	}
}

// HandleBeaconEvent resolves a beacon identifier to its bound device
// and applies the observation. Unbound beacons are dropped.
func (c *Coordinator) HandleBeaconEvent(topic string, payload []byte) {
	beaconID, err := beaconIDFromTopic(topic)
	if err != nil {
		telemetry.PresenceDropped.Inc()
		c.logger.Warn("beacon event on malformed topic", "topic", topic, "error", err)
		return
	}
	present, ok := parsePresence(payload)
	if !ok {
		telemetry.PresenceDropped.Inc()
		c.logger.Warn("unrecognized beacon payload", "topic", topic, "payload", string(payload))
		return
	}

	ctx := context.Background()
	device, err := c.store.DeviceByBeacon(ctx, beaconID)
	if err != nil {
		telemetry.PresenceDropped.Inc()
		c.logger.Warn("beacon bound to no device", "beacon_id", beaconID, "error", err)
		return
	}
	if _, _, err := c.UpdateWithRetry(ctx, device.ID, present); err != nil {
		c.logger.Error("presence update failed", "device_id", device.ID, "beacon_id", beaconID, "error", err)
	}
}
