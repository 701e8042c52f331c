package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic layout: consultdesk/<entity-type>/<entity-id>/<action>.
const (
	TopicDeviceStatus        = "consultdesk/device/+/status"
	TopicBeaconEvents        = "consultdesk/beacon/+/event"
	TopicDeliveryAcks        = "consultdesk/device/+/ack"
	TopicDeviceHeartbeats    = "consultdesk/device/+/heartbeat"
	TopicSystemNotifications = "consultdesk/system/notifications"
)

// DeviceConsultationTopic is the per-device QoS 2 delivery destination.
func DeviceConsultationTopic(deviceID int64) string {
	return fmt.Sprintf("consultdesk/device/%d/consultation", deviceID)
}

// DeviceStatusUpdateTopic carries the sequenced per-device broadcast.
func DeviceStatusUpdateTopic(deviceID int64) string {
	return fmt.Sprintf("consultdesk/device/%d/status_update", deviceID)
}

// DeviceIDFromTopic extracts the numeric device id from a topic shaped
// consultdesk/device/<id>/<action>.
func DeviceIDFromTopic(topic string) (int64, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != "device" {
		return 0, fmt.Errorf("unexpected device topic %q", topic)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("device id in topic %q: %w", topic, err)
	}
	return id, nil
}
