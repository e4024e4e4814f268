package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/status"
)

type fakeHistory struct {
	records []history.Record
	err     error

	mu    sync.Mutex
	limit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	return f.records, f.err
}

func (f *fakeHistory) lastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		PollMs:       100,
		HeartbeatMs:  900000,
		Broker:       "tcp://192.168.1.200:1883",
		HTTPAddr:     ":80",
		RelayBackend: "fake",
		ScheduleFeed: "schedule",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.Update(logic.Status{
		State:    logic.StateFertilizing,
		Schedule: &logic.Schedule{Name: "A", Fertilizer1: 100, WaterAmount: 500, Area: 2},
		Mixer:    1,
		Counts:   logic.Counts{Started: 1},
	})
	tr.SetMQTTConnected(true)

	resp, body := get(t, ts.URL+"/index.json")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal([]byte(body), &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.State != "FERTILIZING" {
		t.Errorf("State: got %q, want FERTILIZING", sj.Status.State)
	}
	if sj.Status.Mixer != 1 {
		t.Errorf("Mixer: got %d, want 1", sj.Status.Mixer)
	}
	if sj.Status.Schedule == nil || sj.Status.Schedule.Name != "A" {
		t.Errorf("Schedule: got %+v", sj.Status.Schedule)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Counts.Started != 1 {
		t.Errorf("Counts.Started: got %d, want 1", sj.Status.Counts.Started)
	}
	if sj.Status.Config.PollMs != 100 {
		t.Errorf("Config.PollMs: got %d, want 100", sj.Status.Config.PollMs)
	}
}

func TestHTMLShowsCycle(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.Update(logic.Status{
		State:         logic.StatePumpOut,
		Schedule:      &logic.Schedule{Name: "north-beds", WaterAmount: 500, Area: 3},
		Remaining:     4 * time.Second,
		LastCompleted: "south-beds",
	})

	resp, body := get(t, ts.URL+"/")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	for _, want := range []string{"PUMP_OUT", "north-beds", "south-beds", "4.0s"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLShowsFault(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.SetFault("relay 7 on=true: bus timeout")

	_, body := get(t, ts.URL+"/index.html")
	if !strings.Contains(body, "FAULT: relay 7 on=true: bus timeout") {
		t.Error("page missing fault banner")
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, _ := get(t, ts.URL+"/nonexistent")
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	for _, path := range []string{"/history.json", "/metrics"} {
		resp, _ := get(t, ts.URL+path)
		if resp.StatusCode != 404 {
			t.Errorf("%s: got %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestHistoryEndpoint(t *testing.T) {
	started := time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)
	h := &fakeHistory{records: []history.Record{
		{ID: 2, Schedule: "B", Area: 1, StartedAt: started, Outcome: history.OutcomeRunning},
		{ID: 1, Schedule: "A", Area: 2, StartedAt: started, Outcome: history.OutcomeComplete},
	}}
	ts, _ := newTestServer(t, Options{History: h})

	resp, body := get(t, ts.URL+"/history.json?limit=5")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if got := h.lastLimit(); got != 5 {
		t.Errorf("limit: got %d, want 5", got)
	}

	var out struct {
		Cycles []history.Record `json:"cycles"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Cycles) != 2 || out.Cycles[0].Schedule != "B" {
		t.Errorf("cycles: got %+v", out.Cycles)
	}
}

func TestHistoryBadLimit(t *testing.T) {
	ts, _ := newTestServer(t, Options{History: &fakeHistory{}})

	resp, _ := get(t, ts.URL+"/history.json?limit=abc")
	if resp.StatusCode != 400 {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestHistoryError(t *testing.T) {
	ts, _ := newTestServer(t, Options{History: &fakeHistory{err: errors.New("disk I/O error")}})

	resp, body := get(t, ts.URL+"/history.json")
	if resp.StatusCode != 500 {
		t.Errorf("status: got %d, want 500", resp.StatusCode)
	}
	if strings.Contains(body, "disk") {
		t.Error("internal error leaked to client")
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "irrigation_up 1\n")
	})
	ts, _ := newTestServer(t, Options{Metrics: metrics})

	resp, body := get(t, ts.URL+"/metrics")
	if resp.StatusCode != 200 || body != "irrigation_up 1\n" {
		t.Errorf("metrics: status %d body %q", resp.StatusCode, body)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t, Options{})

	_, body1 := get(t, ts.URL+"/index.json")
	var sj1 status.StatusJSON
	json.Unmarshal([]byte(body1), &sj1)
	if sj1.Status.State != "IDLE" {
		t.Errorf("initial state: got %q, want IDLE", sj1.Status.State)
	}

	tr.Update(logic.Status{State: logic.StateIdle, LastCompleted: "A", Counts: logic.Counts{Started: 1, Completed: 1}})

	_, body2 := get(t, ts.URL+"/index.json")
	var sj2 status.StatusJSON
	json.Unmarshal([]byte(body2), &sj2)
	if sj2.Status.LastCompleted != "A" {
		t.Errorf("LastCompleted: got %q, want A", sj2.Status.LastCompleted)
	}
	if sj2.Status.Counts.Completed != 1 {
		t.Errorf("Counts.Completed: got %d, want 1", sj2.Status.Counts.Completed)
	}
}
