package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"consultation-relay/internal/api"
	"consultation-relay/internal/config"
	"consultation-relay/internal/devicecache"
	"consultation-relay/internal/logging"
	"consultation-relay/internal/models"
	"consultation-relay/internal/presence"
	"consultation-relay/internal/queue"
	"consultation-relay/internal/store"
	"consultation-relay/internal/supervisor"
	"consultation-relay/internal/transport"
)

// deliveryMessage is the wire shape sent to a device for one queued
// delivery.
type deliveryMessage struct {
	Type           string  `json:"type"`
	ItemID         string  `json:"item_id"`
	ConsultationID int64   `json:"consultation_id"`
	RequesterID    int64   `json:"requester_id"`
	Message        string  `json:"message"`
	ContextCode    *string `json:"context_code,omitempty"`
	Priority       string  `json:"priority"`
	CreatedAt      string  `json:"created_at"`
}

// ackPayload is the shape devices publish to acknowledge a delivery.
// Bare item ids are accepted as well.
type ackPayload struct {
	ItemID string `json:"item_id"`
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	cache := devicecache.New(cfg, logger)
	defer cache.Close()
	trans := transport.New(cfg, logger)

	q, err := queue.Open(cfg, logger, func(ctx context.Context, item models.QueuedDelivery) error {
		msg := deliveryMessage{
			Type:           "consultation_request",
			ItemID:         item.ID,
			ConsultationID: item.ConsultationID,
			RequesterID:    item.RequesterID,
			Message:        item.Message,
			ContextCode:    item.ContextCode,
			Priority:       models.PriorityName(item.Priority),
			CreatedAt:      item.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		return trans.PublishSync(ctx, transport.DeviceConsultationTopic(item.DeviceID), msg, 2, false)
	})
	if err != nil {
		log.Fatalf("open delivery queue: %v", err)
	}
	defer q.Close()

	coord := presence.New(cfg, st, cache, q, trans, logger)

	if err := trans.RegisterHandler(transport.TopicDeviceStatus, coord.HandleDeviceStatus); err != nil {
		log.Fatalf("register status handler: %v", err)
	}
	if err := trans.RegisterHandler(transport.TopicBeaconEvents, coord.HandleBeaconEvent); err != nil {
		log.Fatalf("register beacon handler: %v", err)
	}
	if err := trans.RegisterHandler(transport.TopicDeliveryAcks, func(topic string, payload []byte) {
		var ack ackPayload
		if err := json.Unmarshal(payload, &ack); err != nil || ack.ItemID == "" {
			ack.ItemID = strings.TrimSpace(string(payload))
		}
		if ack.ItemID == "" {
			logger.Warn("ack with no item id", "topic", topic)
			return
		}
		if err := q.Acknowledge(context.Background(), ack.ItemID); err != nil {
			logger.Warn("ack failed", "topic", topic, "item_id", ack.ItemID, "error", err)
		}
	}); err != nil {
		log.Fatalf("register ack handler: %v", err)
	}
	if err := trans.RegisterHandler(transport.TopicDeviceHeartbeats, func(topic string, payload []byte) {
		deviceID, err := transport.DeviceIDFromTopic(topic)
		if err != nil {
			logger.Warn("heartbeat on malformed topic", "topic", topic, "error", err)
			return
		}
		var hb struct {
			NTPSynced   bool `json:"ntp_synced"`
			GracePeriod bool `json:"grace_period"`
		}
		if err := json.Unmarshal(payload, &hb); err != nil {
			logger.Warn("unparseable heartbeat", "topic", topic, "error", err)
			return
		}
		if err := st.UpdateSyncFlags(context.Background(), deviceID, hb.NTPSynced, hb.GracePeriod); err != nil {
			logger.Warn("heartbeat flag update failed", "device_id", deviceID, "error", err)
		}
	}); err != nil {
		log.Fatalf("register heartbeat handler: %v", err)
	}

	sup := supervisor.New(cfg, logger)
	ops := api.New(cfg, logger, q, trans, sup, st, cache, coord)

	must := func(err error) {
		if err != nil {
			log.Fatalf("register service: %v", err)
		}
	}
	must(sup.Register("database", st))
	must(sup.Register("cache", cache))
	must(sup.Register("transport", trans))
	must(sup.Register("queue", q, "transport"))
	must(sup.Register("api", ops, "database", "queue"))

	if err := sup.StartAll(); err != nil {
		sup.StopAll()
		log.Fatalf("start services: %v", err)
	}
	logger.Info("consultation relay running", "env", cfg.Env, "broker", cfg.BrokerURL)

	<-ctx.Done()
	logger.Info("shutting down")
	sup.StopAll()
}
