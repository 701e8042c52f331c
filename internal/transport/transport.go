// Package transport provides the non-blocking MQTT client layer.
// Publish enqueues and returns immediately; a dedicated worker owns
// the socket and a monitor goroutine handles reconnection. Messages
// get exactly one publish attempt - durable retry for consultation
// content belongs to the delivery queue, not here.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"consultation-relay/internal/config"
	"consultation-relay/internal/telemetry"
)

// ErrEmptyTopic rejects publishes without a destination.
var ErrEmptyTopic = errors.New("topic must not be empty")

// ErrNotConnected reports a synchronous publish attempted while the
// broker is unreachable.
var ErrNotConnected = errors.New("not connected to broker")

// Handler receives the raw payload for a matched topic.
type Handler func(topic string, payload []byte)

// Message is one outbound publish attempt.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Enqueued time.Time
}

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	Connected     bool   `json:"connected"`
	Published     uint64 `json:"messages_published"`
	Received      uint64 `json:"messages_received"`
	PublishErrors uint64 `json:"publish_errors"`
	Dropped       uint64 `json:"dropped_messages"`
	Batched       uint64 `json:"batched_messages"`
	QueueDepth    int    `json:"queue_size"`
}

// Transport owns the MQTT client, the bounded send queue, and the
// wildcard handler registry.
type Transport struct {
	cfg    config.Config
	logger *slog.Logger
	cli    client

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	sendMu sync.Mutex
	sendCh chan Message

	batchMu    sync.Mutex
	batch      []Message
	batchTimer *time.Timer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	published     atomic.Uint64
	received      atomic.Uint64
	publishErrors atomic.Uint64
	dropped       atomic.Uint64
	batched       atomic.Uint64
}

// New builds a transport over a real paho client.
func New(cfg config.Config, logger *slog.Logger) *Transport {
	t := newWithClient(cfg, logger, nil)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false).
		SetConnectTimeout(cfg.PublishTimeout).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			t.dispatch(msg.Topic(), msg.Payload())
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			t.onConnect()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("broker connection lost", "error", err)
		})
	if cfg.BrokerUsername != "" {
		opts.SetUsername(cfg.BrokerUsername)
		opts.SetPassword(cfg.BrokerPassword)
	}

	t.cli = newPahoClient(opts, cfg.PublishTimeout)
	return t
}

func newWithClient(cfg config.Config, logger *slog.Logger, cli client) *Transport {
	if cfg.PublishQueueSize <= 0 {
		cfg.PublishQueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger,
		cli:      cli,
		handlers: make(map[string]Handler),
		sendCh:   make(chan Message, cfg.PublishQueueSize),
		done:     make(chan struct{}),
	}
}

// Start connects to the broker and launches the publish worker and the
// reconnection monitor. A broker that is down at startup is tolerated;
// the monitor keeps trying. Start after Stop relaunches the workers,
// so the supervisor can restart the transport.
func (t *Transport) Start() error {
	t.done = make(chan struct{})
	t.stopOnce = sync.Once{}

	if err := t.cli.Connect(); err != nil {
		t.logger.Warn("initial broker connect failed, monitor will retry", "broker", t.cfg.BrokerURL, "error", err)
	}

	t.wg.Add(2)
	go t.publishWorker()
	go t.connectionMonitor()
	return nil
}

// Stop shuts down the workers and disconnects from the broker.
func (t *Transport) Stop() error {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
	if t.cli.IsConnected() {
		t.cli.Disconnect(250)
	}
	return nil
}

// Healthy reports whether the broker connection is up.
func (t *Transport) Healthy() bool {
	return t.cli.IsConnected()
}

// Publish enqueues a message and returns immediately. payload may be a
// string, []byte, or any JSON-marshalable value. When batch is set and
// the message is non-critical (qos<=1, not retained) it coalesces into
// a short buffer before entering the send queue. Transport-level
// publish failures are counted, never returned.
func (t *Transport) Publish(topic string, payload any, qos byte, retain bool, batch bool) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Payload: raw, QoS: qos, Retain: retain, Enqueued: time.Now()}

	if batch && qos <= 1 && !retain {
		t.addToBatch(msg)
		return nil
	}
	t.enqueue(msg)
	return nil
}

// PublishSync publishes directly on the caller's goroutine and waits
// for broker confirmation. The delivery queue uses this for QoS 2
// consultation content so a failed attempt is observable.
func (t *Transport) PublishSync(ctx context.Context, topic string, payload any, qos byte, retain bool) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.cli.IsConnected() {
		t.publishErrors.Add(1)
		telemetry.PublishErrors.Inc()
		return ErrNotConnected
	}
	if err := t.cli.Publish(topic, qos, retain, raw); err != nil {
		t.publishErrors.Add(1)
		telemetry.PublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	t.published.Add(1)
	telemetry.MessagesPublished.Inc()
	return nil
}

// RegisterHandler binds a handler to a topic pattern (`+`/`#` wildcards
// supported). One handler per pattern; registering again replaces it.
func (t *Transport) RegisterHandler(pattern string, fn Handler) error {
	if pattern == "" {
		return ErrEmptyTopic
	}
	if fn == nil {
		return errors.New("handler must not be nil")
	}
	t.handlerMu.Lock()
	t.handlers[pattern] = fn
	t.handlerMu.Unlock()

	if t.cli.IsConnected() {
		if err := t.cli.Subscribe(pattern, 1); err != nil {
			t.logger.Error("subscribe failed", "pattern", pattern, "error", err)
		}
	}
	return nil
}

// UnregisterHandler removes a pattern's handler and unsubscribes.
func (t *Transport) UnregisterHandler(pattern string) {
	t.handlerMu.Lock()
	_, ok := t.handlers[pattern]
	delete(t.handlers, pattern)
	t.handlerMu.Unlock()

	if ok && t.cli.IsConnected() {
		if err := t.cli.Unsubscribe(pattern); err != nil {
			t.logger.Error("unsubscribe failed", "pattern", pattern, "error", err)
		}
	}
}

// Snapshot returns current transport statistics.
func (t *Transport) Snapshot() Stats {
	return Stats{
		Connected:     t.cli.IsConnected(),
		Published:     t.published.Load(),
		Received:      t.received.Load(),
		PublishErrors: t.publishErrors.Load(),
		Dropped:       t.dropped.Load(),
		Batched:       t.batched.Load(),
		QueueDepth:    len(t.sendCh),
	}
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}

// enqueue places a message on the bounded send queue, dropping the
// oldest unsent message on overflow. Status traffic favors freshness;
// anything that must survive goes through the delivery queue instead.
func (t *Transport) enqueue(msg Message) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for {
		select {
		case t.sendCh <- msg:
			telemetry.SendQueueDepth.Set(float64(len(t.sendCh)))
			return
		default:
		}
		select {
		case old := <-t.sendCh:
			t.dropped.Add(1)
			telemetry.MessagesDropped.Inc()
			t.logger.Warn("send queue full, dropped oldest message", "topic", old.Topic, "total_dropped", t.dropped.Load())
		default:
		}
	}
}

func (t *Transport) addToBatch(msg Message) {
	t.batchMu.Lock()
	t.batch = append(t.batch, msg)
	if len(t.batch) >= t.cfg.BatchSize {
		t.flushBatchLocked()
		t.batchMu.Unlock()
		return
	}
	if t.batchTimer == nil {
		t.batchTimer = time.AfterFunc(t.cfg.BatchTimeout, func() {
			t.batchMu.Lock()
			t.flushBatchLocked()
			t.batchMu.Unlock()
		})
	}
	t.batchMu.Unlock()
}

func (t *Transport) flushBatchLocked() {
	if t.batchTimer != nil {
		t.batchTimer.Stop()
		t.batchTimer = nil
	}
	if len(t.batch) == 0 {
		return
	}
	for _, msg := range t.batch {
		t.enqueue(msg)
		t.batched.Add(1)
	}
	t.batch = t.batch[:0]
}

func (t *Transport) publishWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.sendCh:
			telemetry.SendQueueDepth.Set(float64(len(t.sendCh)))
			if !t.cli.IsConnected() {
				t.publishErrors.Add(1)
				telemetry.PublishErrors.Inc()
				t.logger.Warn("cannot publish, not connected", "topic", msg.Topic)
				continue
			}
			if err := t.cli.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload); err != nil {
				t.publishErrors.Add(1)
				telemetry.PublishErrors.Inc()
				t.logger.Error("publish failed", "topic", msg.Topic, "error", err)
				continue
			}
			t.published.Add(1)
			telemetry.MessagesPublished.Inc()
		}
	}
}

// connectionMonitor retries a lost connection on a fixed interval with
// a capped attempt count per offline episode. The cap resets once the
// broker comes back.
func (t *Transport) connectionMonitor() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.ReconnectDelay)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if t.cli.IsConnected() {
				attempts = 0
				continue
			}
			if t.cfg.MaxReconnectAttempts > 0 && attempts >= t.cfg.MaxReconnectAttempts {
				t.logger.Debug("reconnect attempts exhausted for this episode")
				continue
			}
			attempts++
			t.logger.Info("attempting broker reconnect", "attempt", attempts, "broker", t.cfg.BrokerURL)
			if err := t.cli.Connect(); err != nil {
				t.logger.Warn("reconnect failed", "attempt", attempts, "error", err)
			}
		}
	}
}

// onConnect resubscribes every registered pattern after a (re)connect.
func (t *Transport) onConnect() {
	t.handlerMu.RLock()
	patterns := make([]string, 0, len(t.handlers))
	for p := range t.handlers {
		patterns = append(patterns, p)
	}
	t.handlerMu.RUnlock()

	t.logger.Info("connected to broker", "broker", t.cfg.BrokerURL, "subscriptions", len(patterns))
	for _, p := range patterns {
		if err := t.cli.Subscribe(p, 1); err != nil {
			t.logger.Error("resubscribe failed", "pattern", p, "error", err)
		}
	}
}

// dispatch routes an inbound message to the registered handler. An
// exact pattern match wins over wildcard scans. Handler panics are
// contained so one bad payload cannot take the receive path down.
func (t *Transport) dispatch(topic string, payload []byte) {
	t.received.Add(1)
	telemetry.MessagesReceived.Inc()

	handler := t.findHandler(topic)
	if handler == nil {
		t.logger.Debug("no handler for topic", "topic", topic)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("handler panic", "topic", topic, "panic", r)
			}
		}()
		handler(topic, payload)
	}()
}

func (t *Transport) findHandler(topic string) Handler {
	t.handlerMu.RLock()
	defer t.handlerMu.RUnlock()
	if h, ok := t.handlers[topic]; ok {
		return h
	}
	for pattern, h := range t.handlers {
		if MatchTopic(pattern, topic) {
			return h
		}
	}
	return nil
}
