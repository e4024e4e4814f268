// Package status provides a thread-safe status tracker for the irrigation
// controller. The polling loop writes it; HTTP handlers and metrics read it.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// NetworkInfo contains network state as reported by the host.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains controller configuration for display.
type Config struct {
	PollMs         int64
	HeartbeatMs    int64
	Broker         string
	HTTPAddr       string
	RelayBackend   string
	ScheduleFeed   string
	ManagementFeed string
}

// Snapshot is a point-in-time view of controller state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Cycle         logic.Status
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Fault         string // last fatal error, empty when healthy
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the controller started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable controller state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Cycle:     logic.Status{State: logic.StateIdle},
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update replaces the cycle status. Called from the polling loop on every tick.
func (t *Tracker) Update(st logic.Status) {
	t.mu.Lock()
	if st.Schedule != nil {
		s := *st.Schedule
		st.Schedule = &s
	}
	t.snap.Cycle = st
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// SetFault records a fatal error message.
func (t *Tracker) SetFault(msg string) {
	t.mu.Lock()
	t.snap.Fault = msg
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the controller state.
// The Now field is set at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s.Cycle.Schedule != nil {
		sc := *s.Cycle.Schedule
		s.Cycle.Schedule = &sc
	}
	s.Now = t.now()
	return s
}
