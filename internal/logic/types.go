// Package logic contains the irrigation cycle sequencing engine.
// This package performs no I/O of its own: relays, the schedule feed, status
// output and notifications are reached through the interfaces below, and time
// is injectable so every transition can be driven from tests.
package logic

import (
	"context"
	"time"
)

// State is the phase of the irrigation cycle.
type State string

const (
	StateIdle          State = "IDLE"
	StateFertilizing   State = "FERTILIZING"
	StateMixing        State = "MIXING"
	StatePumpIn        State = "PUMP_IN"
	StateSelectingArea State = "SELECTING_AREA"
	StatePumpOut       State = "PUMP_OUT"
)

// EventType identifies the transition reported by Cycle.Run.
type EventType string

const (
	EventCycleStarted  EventType = "CYCLE_STARTED"
	EventMixerStarted  EventType = "MIXER_STARTED"
	EventPhaseStarted  EventType = "PHASE_STARTED"
	EventCycleComplete EventType = "CYCLE_COMPLETE"
)

// CompletionMessage is passed to the Notifier when a cycle finishes.
const CompletionMessage = "Cycle complete"

// Event describes one transition taken by Cycle.Run.
type Event struct {
	Timestamp time.Time
	Type      EventType
	From      State
	To        State
	Schedule  Schedule
	Mixer     int           // 1-based mixer number while fertilizing, else 0
	Relay     int           // relay switched on by this transition, 0 if none
	Estimate  time.Duration // advisory total, set on CYCLE_STARTED
}

// FeedRecord is the newest entry of the schedule feed.
type FeedRecord struct {
	CreatedAt time.Time
	Value     string // JSON-encoded Schedule
}

// Confirmation is pushed to the status feed when a schedule is accepted.
type Confirmation struct {
	ScheduleName string  `json:"schedule_name"`
	Status       string  `json:"status"`
	TotalTime    float64 `json:"total_time"` // seconds, including safety margin
}

// RelayDriver switches physical relays.
type RelayDriver interface {
	Set(id int, on bool) error
	Close() error
}

// ScheduleSource returns the newest schedule feed record, or nil if the feed
// is empty.
type ScheduleSource interface {
	FetchLatest(ctx context.Context) (*FeedRecord, error)
}

// StatusReporter pushes status objects to the management feed.
type StatusReporter interface {
	PublishStatus(ctx context.Context, c Confirmation) error
}

// Notifier delivers the cycle completion message.
type Notifier interface {
	Notify(message string) error
}

// Counts tracks cycle activity since startup.
type Counts struct {
	Started     int
	Completed   int
	Rejected    int // malformed feed records
	FetchErrors int
}

// Status is a point-in-time view of the cycle.
type Status struct {
	State         State
	Schedule      *Schedule // nil when idle
	Mixer         int       // 1-based, only while fertilizing
	QueueLen      int
	LastCompleted string
	Remaining     time.Duration
	Estimate      time.Duration
	Counts        Counts
}
