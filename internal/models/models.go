package models

import (
	"time"
)

// DeliveryStatus enumerates lifecycle states persisted in the queue store.
const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusFailed       = "failed"
	StatusExpired      = "expired"
	StatusAcknowledged = "acknowledged"
)

// Priority levels for queued deliveries. Higher drains first.
const (
	PriorityLow      = 1
	PriorityNormal   = 2
	PriorityHigh     = 3
	PriorityCritical = 4
)

// ConsultationStatus values owned by the domain CRUD layer. The relay
// only carries them; it never transitions a consultation itself.
const (
	ConsultationPending   = "pending"
	ConsultationAccepted  = "accepted"
	ConsultationDeclined  = "declined"
	ConsultationCompleted = "completed"
	ConsultationCancelled = "cancelled"
)

// Device is a remote desk endpoint whose reachability the relay tracks.
type Device struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	BeaconID    *string    `json:"beacon_id,omitempty"`
	Present     bool       `json:"present"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Version     int64      `json:"version"`
	NTPSynced   bool       `json:"ntp_synced"`
	GracePeriod bool       `json:"grace_period"`
}

// ConsultationRequest is the delivery payload handed in by the domain layer.
type ConsultationRequest struct {
	ID          int64     `json:"id"`
	RequesterID int64     `json:"requester_id"`
	DeviceID    int64     `json:"device_id"`
	Message     string    `json:"message"`
	ContextCode *string   `json:"context_code,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueuedDelivery is one durable delivery attempt for a consultation
// whose target device was offline at submission time.
type QueuedDelivery struct {
	ID             string     `json:"id"`
	ConsultationID int64      `json:"consultation_id"`
	DeviceID       int64      `json:"device_id"`
	RequesterID    int64      `json:"requester_id"`
	Message        string     `json:"message"`
	ContextCode    *string    `json:"context_code,omitempty"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	RetryCount     int        `json:"retry_count"`
	NextRetry      time.Time  `json:"next_retry"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastError      *string    `json:"last_error,omitempty"`
	AckedAt        *time.Time `json:"acked_at,omitempty"`
}

// PresenceEvent is the canonical form every accepted wire shape
// normalizes to. Anything that cannot resolve to one is dropped.
type PresenceEvent struct {
	DeviceID int64
	Present  bool
}

// PresenceNotification is the sequenced broadcast emitted after an
// effective presence change. Consumers discard any notification whose
// Sequence is not greater than the last one they accepted.
type PresenceNotification struct {
	Type            string  `json:"type"`
	DeviceID        int64   `json:"device_id"`
	DeviceName      string  `json:"device_name"`
	Present         bool    `json:"present"`
	PreviousPresent bool    `json:"previous_present"`
	Sequence        uint64  `json:"sequence"`
	Version         int64   `json:"version"`
	Timestamp       *string `json:"timestamp,omitempty"`
}

func PriorityName(p int) string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}
