// Package models defines the core data structures for queued safety
// telemetry records and raw position readings.
package models

import (
	"encoding/json"
	"time"
)

// Category identifies one of the four independent durable record queues.
type Category string

const (
	// CategoryLocation holds routine location pings.
	CategoryLocation Category = "location"
	// CategorySOS holds user-triggered SOS alerts.
	CategorySOS Category = "sos"
	// CategoryPanic holds panic-button alerts.
	CategoryPanic Category = "panic"
	// CategoryRecording holds panic audio recordings.
	CategoryRecording Category = "recording"
)

// Priority ranks a record for drain ordering and eviction protection.
type Priority string

const (
	// PriorityCritical marks records that must survive cap pressure
	// and get the largest retry budget (panic alerts and recordings).
	PriorityCritical Priority = "critical"
	// PriorityHigh marks SOS alerts.
	PriorityHigh Priority = "high"
	// PriorityNormal marks routine location pings.
	PriorityNormal Priority = "normal"
)

// DefaultPriority returns the fixed priority assigned to records of the
// given category.
func DefaultPriority(c Category) Priority {
	switch c {
	case CategoryPanic, CategoryRecording:
		return PriorityCritical
	case CategorySOS:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// QueuedRecord is one durable entry in a category store.
type QueuedRecord struct {
	// ID is the store-assigned identifier, unique within its category.
	ID int64
	// Category names the queue the record belongs to.
	Category Category
	// PassportID is the identity key the record was filed under. It is
	// indexed for bulk cancellation; the full identity travels in Payload.
	PassportID string
	// Payload is the flat JSON object sent to the remote acceptor:
	// the category payload plus the identity aliases captured at
	// creation. Identity is re-resolved from it at send time.
	Payload json.RawMessage
	// Audio holds the binary recording body for CategoryRecording rows.
	Audio []byte
	// Timestamp is the creation time.
	Timestamp time.Time
	// Synced reports whether the remote acceptor confirmed delivery.
	Synced bool
	// SyncedAt is the confirmation time, zero until Synced.
	SyncedAt time.Time
	// RetryCount is the number of failed delivery attempts so far.
	RetryCount int
	// Priority is fixed per category at creation.
	Priority Priority
}

// LocationPayload is the typed body of a location ping.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Source    string  `json:"source,omitempty"`
}

// SOSPayload is the typed body of an SOS alert.
type SOSPayload struct {
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// PanicPayload is the typed body of a panic alert.
type PanicPayload struct {
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	TriggeredAt string  `json:"triggeredAt,omitempty"`
}

// RecordingPayload is the metadata of a panic audio recording. The audio
// body itself is kept out of the JSON payload and uploaded as a multipart
// file field.
type RecordingPayload struct {
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	TriggeredAt string `json:"triggeredAt,omitempty"`
	RecordedAt  string `json:"recordedAt,omitempty"`
}

// PositionSample is one raw reading from the device position sensor,
// before plausibility filtering.
type PositionSample struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	CapturedAt time.Time
}

// AcceptedPosition is a sample that passed the filter, with the smoothed
// coordinates used by the rest of the pipeline.
type AcceptedPosition struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	AcceptedAt time.Time
}
