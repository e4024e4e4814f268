// Package metrics exposes controller state as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/relay"
	"github.com/sweeney/irrigation-controller/internal/status"
)

const namespace = "irrigation"

// Metrics owns a private registry. Cycle counters are read from the status
// tracker at scrape time; events and relay commands are counted as they happen.
type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	relayCmds   *prometheus.CounterVec
	relayErrors *prometheus.CounterVec
}

// New registers all collectors against a fresh registry.
func New(tracker *status.Tracker) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Cycle transitions by event type.",
		}, []string{"type"}),
		relayCmds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_commands_total",
			Help:      "Relay commands issued, by relay and target state.",
		}, []string{"relay", "state"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Relay commands that failed, by relay.",
		}, []string{"relay"}),
	}

	counter := func(name, help string, read func(logic.Counts) int) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(tracker.Snapshot().Cycle.Counts)) })
	}
	gauge := func(name, help string, read func(status.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return read(tracker.Snapshot()) })
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.events,
		m.relayCmds,
		m.relayErrors,
		counter("cycles_started_total", "Watering cycles started.",
			func(c logic.Counts) int { return c.Started }),
		counter("cycles_completed_total", "Watering cycles completed.",
			func(c logic.Counts) int { return c.Completed }),
		counter("schedules_rejected_total", "Malformed or invalid schedule records.",
			func(c logic.Counts) int { return c.Rejected }),
		counter("feed_fetch_errors_total", "Failed schedule feed polls.",
			func(c logic.Counts) int { return c.FetchErrors }),
		gauge("cycle_active", "1 while a watering cycle is running.",
			func(s status.Snapshot) float64 { return boolFloat(s.Cycle.State != logic.StateIdle) }),
		gauge("queue_length", "Schedules waiting to run.",
			func(s status.Snapshot) float64 { return float64(s.Cycle.QueueLen) }),
		gauge("phase_remaining_seconds", "Time left in the current phase.",
			func(s status.Snapshot) float64 { return s.Cycle.Remaining.Seconds() }),
		gauge("mqtt_connected", "1 while the MQTT broker is reachable.",
			func(s status.Snapshot) float64 { return boolFloat(s.MQTTConnected) }),
		gauge("uptime_seconds", "Seconds since the controller started.",
			func(s status.Snapshot) float64 { return s.Uptime().Seconds() }),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvent counts a cycle transition.
func (m *Metrics) ObserveEvent(e logic.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()
}

// InstrumentRelays wraps d so that every command is counted.
func (m *Metrics) InstrumentRelays(d relay.Driver) relay.Driver {
	return &instrumentedDriver{next: d, m: m}
}

type instrumentedDriver struct {
	next relay.Driver
	m    *Metrics
}

func (d *instrumentedDriver) Set(id int, on bool) error {
	label := strconv.Itoa(id)
	state := "off"
	if on {
		state = "on"
	}
	d.m.relayCmds.WithLabelValues(label, state).Inc()
	err := d.next.Set(id, on)
	if err != nil {
		d.m.relayErrors.WithLabelValues(label).Inc()
	}
	return err
}

func (d *instrumentedDriver) Close() error {
	return d.next.Close()
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
