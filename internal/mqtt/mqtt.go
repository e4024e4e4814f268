// Package mqtt publishes irrigation cycle events, completion notifications
// and controller lifecycle events, with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// Topics.
const (
	TopicEvents = "irrigation/controller/events"
	TopicSystem = "irrigation/controller/system"
	TopicNotify = "irrigation/controller/notify"
)

// Publisher publishes controller output to MQTT.
type Publisher interface {
	// Publish sends a cycle transition.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a controller lifecycle event.
	PublishSystem(event SystemEvent) error

	// Notify delivers a user-facing message such as cycle completion.
	Notify(message string) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a lifecycle event (startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "FAULT"
	Reason     string // e.g., "SIGTERM", relay error text
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// Payload is the message published for a cycle transition.
type Payload struct {
	Cycle CyclePayload `json:"cycle"`
}

// CyclePayload contains the transition details.
type CyclePayload struct {
	Timestamp       string  `json:"timestamp"`
	Event           string  `json:"event"`
	From            string  `json:"from"`
	To              string  `json:"to"`
	Schedule        string  `json:"schedule"`
	Area            int     `json:"area"`
	Mixer           int     `json:"mixer,omitempty"`
	Relay           int     `json:"relay,omitempty"`
	EstimateSeconds float64 `json:"estimate_seconds,omitempty"`
}

// FormatPayload creates the JSON payload for a cycle event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Cycle: CyclePayload{
			Timestamp:       event.Timestamp.UTC().Format(time.RFC3339),
			Event:           string(event.Type),
			From:            string(event.From),
			To:              string(event.To),
			Schedule:        event.Schedule.Name,
			Area:            event.Schedule.Area,
			Mixer:           event.Mixer,
			Relay:           event.Relay,
			EstimateSeconds: event.Estimate.Seconds(),
		},
	}
	return json.Marshal(payload)
}

// NotifyPayload is the message published on TopicNotify.
type NotifyPayload struct {
	Notification NotifyInner `json:"notification"`
}

// NotifyInner contains the notification details.
type NotifyInner struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// FormatNotifyPayload creates the JSON payload for a notification.
func FormatNotifyPayload(ts time.Time, message string) ([]byte, error) {
	return json.Marshal(NotifyPayload{
		Notification: NotifyInner{
			Timestamp: ts.UTC().Format(time.RFC3339),
			Message:   message,
		},
	})
}

// SystemPayload is used for simple events (LWT, RECONNECTED) that don't
// carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
