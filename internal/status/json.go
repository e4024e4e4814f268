package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	State         string        `json:"state"`
	Schedule      *ScheduleJSON `json:"schedule,omitempty"`
	Mixer         int           `json:"mixer,omitempty"`
	Remaining     float64       `json:"remaining_seconds"`
	Estimate      float64       `json:"estimate_seconds,omitempty"`
	QueueLength   int           `json:"queue_length"`
	LastCompleted string        `json:"last_completed,omitempty"`
	Fault         string        `json:"fault,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Counts        CountsJSON    `json:"counts"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// ScheduleJSON is the schedule currently running.
type ScheduleJSON struct {
	Name        string `json:"name"`
	Fertilizer1 int    `json:"fertilizer1"`
	Fertilizer2 int    `json:"fertilizer2"`
	Fertilizer3 int    `json:"fertilizer3"`
	WaterAmount int    `json:"waterAmount"`
	Area        int    `json:"area"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of cycle counts.
type CountsJSON struct {
	Started     int `json:"cycles_started"`
	Completed   int `json:"cycles_completed"`
	Rejected    int `json:"schedules_rejected"`
	FetchErrors int `json:"fetch_errors"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of controller config.
type ConfigJSON struct {
	PollMs         int64  `json:"poll_ms"`
	HeartbeatMs    int64  `json:"heartbeat_ms"`
	Broker         string `json:"broker"`
	HTTPAddr       string `json:"http_addr"`
	RelayBackend   string `json:"relay_backend"`
	ScheduleFeed   string `json:"schedule_feed"`
	ManagementFeed string `json:"management_feed"`
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Cycle
	state := string(c.State)
	if state == "" {
		state = "UNKNOWN"
	}

	inner := StatusInner{
		State:         state,
		Mixer:         c.Mixer,
		Remaining:     c.Remaining.Seconds(),
		Estimate:      c.Estimate.Seconds(),
		QueueLength:   c.QueueLen,
		LastCompleted: c.LastCompleted,
		Fault:         snap.Fault,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Started:     c.Counts.Started,
			Completed:   c.Counts.Completed,
			Rejected:    c.Counts.Rejected,
			FetchErrors: c.Counts.FetchErrors,
		},
		Config: ConfigJSON{
			PollMs:         snap.Config.PollMs,
			HeartbeatMs:    snap.Config.HeartbeatMs,
			Broker:         snap.Config.Broker,
			HTTPAddr:       snap.Config.HTTPAddr,
			RelayBackend:   snap.Config.RelayBackend,
			ScheduleFeed:   snap.Config.ScheduleFeed,
			ManagementFeed: snap.Config.ManagementFeed,
		},
	}
	if s := c.Schedule; s != nil {
		inner.Schedule = &ScheduleJSON{
			Name:        s.Name,
			Fertilizer1: s.Fertilizer1,
			Fertilizer2: s.Fertilizer2,
			Fertilizer3: s.Fertilizer3,
			WaterAmount: s.WaterAmount,
			Area:        s.Area,
		}
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
