package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/irrigation-controller/internal/config"
	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/relay"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/timer"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "Greenhouse")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	if info.Type != "wifi" || info.IP != "192.168.1.100" || info.Gateway != "192.168.1.1" {
		t.Errorf("info: got %+v", info)
	}
	if info.WifiStatus != "connected" || info.SSID != "Greenhouse" {
		t.Errorf("wifi: got %+v", info)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestSafeOffWithoutFeedCredentials(t *testing.T) {
	t.Setenv("IRRIGATION_FEED_USERNAME", "")
	t.Setenv("IRRIGATION_FEED_KEY", "")
	t.Setenv("IRRIGATION_RELAY_BACKEND", "fake")

	if _, err := loadConfig(options{}); err == nil {
		t.Fatal("daemon mode should require feed credentials")
	}

	opts := options{safeOff: true}
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig in safe-off mode: %v", err)
	}
	if err := run(cfg, opts, zerolog.Nop()); err != nil {
		t.Errorf("safe-off run: %v", err)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg, options{poll: 250 * time.Millisecond, httpAddr: "off"})
	if cfg.Poll.IntervalMs != 250 {
		t.Errorf("Poll.IntervalMs: got %d, want 250", cfg.Poll.IntervalMs)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("HTTP.Addr: got %q, want disabled", cfg.HTTP.Addr)
	}

	cfg = config.Default()
	applyFlags(cfg, options{httpAddr: ":9090"})
	if cfg.HTTP.Addr != ":9090" || cfg.Poll.IntervalMs != 100 {
		t.Errorf("got addr %q poll %d", cfg.HTTP.Addr, cfg.Poll.IntervalMs)
	}
}

func TestEnqueueFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.json")
	os.WriteFile(good, []byte(scheduleA), 0600)
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"name":"B","fertilizer1":1,"fertilizer2":0,"fertilizer3":0,"waterAmount":1,"area":9}`), 0600)

	c := logic.NewCycle(relay.NewFakeDriver(), &fakeSource{}, &fakeReporter{}, mqtt.NewFakePublisher(), logic.Options{})
	if err := enqueueFile(c, good); err != nil {
		t.Fatalf("enqueueFile: %v", err)
	}
	if c.Status().QueueLen != 1 {
		t.Errorf("QueueLen: got %d, want 1", c.Status().QueueLen)
	}
	if err := enqueueFile(c, bad); !errors.Is(err, logic.ErrInvalidSchedule) {
		t.Errorf("expected ErrInvalidSchedule, got %v", err)
	}
	if err := enqueueFile(c, filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

// --- runLoop tests ---

const scheduleA = `{"name":"A","fertilizer1":100,"fertilizer2":0,"fertilizer3":0,"waterAmount":500,"area":2}`

var t0 = time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)

// stepClock is shared by runLoop and the cycle. tick advances it and is the
// loop's now; read is the cycle's. Only used from runLoop's goroutine.
type stepClock struct {
	elapsed time.Duration
	step    time.Duration
}

func (c *stepClock) tick() time.Time {
	c.elapsed += c.step
	return t0.Add(c.elapsed)
}

func (c *stepClock) read() time.Time { return t0.Add(c.elapsed) }

type fakeSource struct {
	record *logic.FeedRecord
	err    error
}

func (f *fakeSource) FetchLatest(ctx context.Context) (*logic.FeedRecord, error) {
	return f.record, f.err
}

type fakeReporter struct {
	sent []logic.Confirmation
}

func (f *fakeReporter) PublishStatus(ctx context.Context, c logic.Confirmation) error {
	f.sent = append(f.sent, c)
	return nil
}

type fakeRecorder struct {
	started   []logic.Schedule
	completed []int64
	failed    map[int64]string
	nextID    int64
}

func (f *fakeRecorder) Start(ctx context.Context, s logic.Schedule, estimate time.Duration, at time.Time) (int64, error) {
	f.nextID++
	f.started = append(f.started, s)
	return f.nextID, nil
}

func (f *fakeRecorder) Complete(ctx context.Context, id int64, at time.Time) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeRecorder) Fail(ctx context.Context, id int64, at time.Time, detail string) error {
	if f.failed == nil {
		f.failed = map[int64]string{}
	}
	f.failed[id] = detail
	return nil
}

type countingObserver struct {
	counts map[logic.EventType]int
}

func (o *countingObserver) ObserveEvent(e logic.Event) {
	if o.counts == nil {
		o.counts = map[logic.EventType]int{}
	}
	o.counts[e.Type]++
}

type loopHarness struct {
	clock    *stepClock
	relays   *relay.FakeDriver
	source   *fakeSource
	reporter *fakeReporter
	pub      *mqtt.FakePublisher
	recorder *fakeRecorder
	observer *countingObserver
	tracker  *status.Tracker
	cycle    *logic.Cycle
}

func newLoopHarness(step time.Duration) *loopHarness {
	h := &loopHarness{
		clock:    &stepClock{step: step},
		relays:   relay.NewFakeDriver(),
		source:   &fakeSource{},
		reporter: &fakeReporter{},
		pub:      mqtt.NewFakePublisher(),
		recorder: &fakeRecorder{},
		observer: &countingObserver{},
		tracker:  status.NewTracker(t0, status.Config{}),
	}
	h.cycle = logic.NewCycle(h.relays, h.source, h.reporter, h.pub, logic.Options{
		Zone:  time.UTC,
		Now:   h.clock.read,
		Timer: timer.NewWithClock(func() time.Duration { return h.clock.elapsed }),
	})
	return h
}

// drive runs runLoop for nTicks ticks and then delivers signal.
func (h *loopHarness) drive(t *testing.T, heartbeat time.Duration, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(context.Background(), loopDeps{
			cycle:      h.cycle,
			publisher:  h.pub,
			mqttStatus: h.pub,
			tracker:    h.tracker,
			recorder:   h.recorder,
			observer:   h.observer,
			heartbeat:  heartbeat,
			now:        h.clock.tick,
			log:        zerolog.Nop(),
		}, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		select {
		case tick <- time.Time{}:
		case err := <-errCh:
			return err
		}
	}
	sig <- signal
	return <-errCh
}

func (h *loopHarness) systemEvents(name string) []mqtt.SystemEvent {
	var out []mqtt.SystemEvent
	for _, se := range h.pub.SystemEvents {
		if se.Event == name {
			out = append(out, se)
		}
	}
	return out
}

func TestRunLoopIdleShutdown(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)

	if err := h.drive(t, 0, 5, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(h.pub.Events) != 0 {
		t.Errorf("expected 0 cycle events, got %d", len(h.pub.Events))
	}
	if len(h.pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(h.pub.SystemEvents))
	}
	se := h.pub.SystemEvents[0]
	if se.Event != "SHUTDOWN" || se.Reason != "SIGTERM" || !se.Retained {
		t.Errorf("shutdown event: got %+v", se)
	}

	// Shutdown switches every relay off.
	if len(h.relays.Commands) != 8 {
		t.Errorf("expected 8 off commands, got %v", h.relays.Commands)
	}
	if on := h.relays.On(); len(on) != 0 {
		t.Errorf("relays left on: %v", on)
	}
}

func TestRunLoopFullCycle(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)
	h.source.record = &logic.FeedRecord{CreatedAt: t0, Value: scheduleA}

	if err := h.drive(t, 0, 260, syscall.SIGINT); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	wantRelays := []relay.Command{
		{ID: 1, On: true}, {ID: 1, On: false},
		{ID: 2, On: true}, {ID: 2, On: false},
		{ID: 3, On: true}, {ID: 3, On: false},
		{ID: 7, On: true}, {ID: 7, On: false},
		{ID: 5, On: true}, {ID: 5, On: false},
		{ID: 8, On: true}, {ID: 8, On: false},
	}
	if len(h.relays.Commands) < len(wantRelays) {
		t.Fatalf("relay commands: got %v", h.relays.Commands)
	}
	for i, want := range wantRelays {
		if h.relays.Commands[i] != want {
			t.Errorf("relay command %d: got %+v, want %+v", i, h.relays.Commands[i], want)
		}
	}

	first, last := h.pub.Events[0], h.pub.Events[len(h.pub.Events)-1]
	if first.Type != logic.EventCycleStarted || last.Type != logic.EventCycleComplete {
		t.Errorf("events: first %s, last %s", first.Type, last.Type)
	}
	if got := last.Timestamp.Sub(first.Timestamp); got < 22*time.Second || got > 23*time.Second {
		t.Errorf("cycle took %v, want about 22s", got)
	}

	// Same record stays in the feed but is not re-run.
	if h.observer.counts[logic.EventCycleStarted] != 1 || h.observer.counts[logic.EventCycleComplete] != 1 {
		t.Errorf("observed: %v", h.observer.counts)
	}
	if len(h.pub.Notifications) != 1 || h.pub.Notifications[0] != logic.CompletionMessage {
		t.Errorf("notifications: got %v", h.pub.Notifications)
	}
	if len(h.reporter.sent) != 1 || h.reporter.sent[0].TotalTime != 25.3 {
		t.Errorf("confirmations: got %+v", h.reporter.sent)
	}
	if len(h.recorder.started) != 1 || len(h.recorder.completed) != 1 || h.recorder.completed[0] != 1 {
		t.Errorf("history: started %v completed %v", h.recorder.started, h.recorder.completed)
	}

	snap := h.tracker.Snapshot()
	if snap.Cycle.State != logic.StateIdle || snap.Cycle.LastCompleted != "A" {
		t.Errorf("tracker: got %+v", snap.Cycle)
	}
}

func TestRunLoopRejectedRecordContinues(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)
	h.source.record = &logic.FeedRecord{CreatedAt: t0, Value: `{"name":"broken"`}

	if err := h.drive(t, 0, 10, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(h.pub.Events) != 0 {
		t.Errorf("expected no cycle events, got %d", len(h.pub.Events))
	}
	if got := h.tracker.Snapshot().Cycle.Counts.Rejected; got != 1 {
		t.Errorf("Rejected: got %d, want 1", got)
	}
}

func TestRunLoopFetchErrorContinues(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)
	h.source.err = errors.New("connection refused")

	if err := h.drive(t, 0, 4, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := h.tracker.Snapshot().Cycle.Counts.FetchErrors; got != 4 {
		t.Errorf("FetchErrors: got %d, want 4", got)
	}
	if len(h.systemEvents("SHUTDOWN")) != 1 {
		t.Error("expected SHUTDOWN after fetch errors")
	}
}

func TestRunLoopRelayFault(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)
	h.source.record = &logic.FeedRecord{CreatedAt: t0, Value: scheduleA}
	h.relays.FailID = 7

	err := h.drive(t, 0, 200, syscall.SIGTERM)
	if !errors.Is(err, logic.ErrRelay) {
		t.Fatalf("expected ErrRelay, got %v", err)
	}

	shutdowns := h.systemEvents("SHUTDOWN")
	if len(shutdowns) != 1 || shutdowns[0].Reason != "FAULT" {
		t.Fatalf("expected SHUTDOWN/FAULT, got %+v", h.pub.SystemEvents)
	}
	var payload status.StatusJSON
	if err := json.Unmarshal(shutdowns[0].RawPayload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Status.Fault == "" {
		t.Error("shutdown payload missing fault")
	}

	if detail, ok := h.recorder.failed[1]; !ok || detail == "" {
		t.Errorf("history failure: got %v", h.recorder.failed)
	}
	for _, id := range []int{1, 2, 3, 4, 5, 6, 8} {
		if h.relays.States[id] {
			t.Errorf("relay %d left on after fault", id)
		}
	}
}

func TestRunLoopFirstMixerFaultRecorded(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)
	h.source.record = &logic.FeedRecord{CreatedAt: t0, Value: scheduleA}
	h.relays.FailID = 1

	err := h.drive(t, 0, 10, syscall.SIGTERM)
	if !errors.Is(err, logic.ErrRelay) {
		t.Fatalf("expected ErrRelay, got %v", err)
	}

	if len(h.recorder.started) != 1 || h.recorder.started[0].Name != "A" {
		t.Fatalf("history start: got %+v", h.recorder.started)
	}
	if detail, ok := h.recorder.failed[1]; !ok || detail == "" {
		t.Errorf("history failure: got %v", h.recorder.failed)
	}
	if got := h.observer.counts[logic.EventCycleStarted]; got != 1 {
		t.Errorf("observed CYCLE_STARTED: got %d, want 1", got)
	}
	if got := h.tracker.Snapshot().Cycle.Counts.Started; got != 1 {
		t.Errorf("Counts.Started: got %d, want 1", got)
	}
	if len(h.pub.Events) != 1 || h.pub.Events[0].Type != logic.EventCycleStarted {
		t.Errorf("published events: got %+v", h.pub.Events)
	}
	if shutdowns := h.systemEvents("SHUTDOWN"); len(shutdowns) != 1 || shutdowns[0].Reason != "FAULT" {
		t.Errorf("expected SHUTDOWN/FAULT, got %+v", h.pub.SystemEvents)
	}
}

func TestRunLoopSignalDuringCycle(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)
	h.source.record = &logic.FeedRecord{CreatedAt: t0, Value: scheduleA}

	// Stop while mixing.
	if err := h.drive(t, 0, 50, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if on := h.relays.On(); len(on) != 0 {
		t.Errorf("relays left on: %v", on)
	}
	if detail := h.recorder.failed[1]; detail != "interrupted by SIGTERM" {
		t.Errorf("history detail: got %q", detail)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "192.168.1.42")

	h := newLoopHarness(5 * time.Minute)
	h.pub.Connected = true

	// Loop start reads the clock once, so ticks land at +10m, +15m, +20m, +25m.
	if err := h.drive(t, 15*time.Minute, 4, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	hbs := h.systemEvents("HEARTBEAT")
	if len(hbs) != 1 {
		t.Fatalf("expected 1 HEARTBEAT event, got %d", len(hbs))
	}
	if hbs[0].Retained {
		t.Error("heartbeat should not be retained")
	}
	var payload status.StatusJSON
	if err := json.Unmarshal(hbs[0].RawPayload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Status.Event != "HEARTBEAT" {
		t.Errorf("payload event: got %q", payload.Status.Event)
	}
	if payload.Status.Network == nil || payload.Status.Network.IP != "192.168.1.42" {
		t.Errorf("payload network: got %+v", payload.Status.Network)
	}
	if !payload.Status.MQTT.Connected {
		t.Error("payload should report MQTT connected")
	}
}

func TestRunLoopPublishErrorContinues(t *testing.T) {
	h := newLoopHarness(100 * time.Millisecond)
	h.source.record = &logic.FeedRecord{CreatedAt: t0, Value: scheduleA}
	h.pub.PublishError = errors.New("broker unavailable")

	if err := h.drive(t, 0, 260, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(h.pub.Events) != 0 {
		t.Errorf("expected 0 recorded events (publish failed), got %d", len(h.pub.Events))
	}
	if h.cycle.LastCompleted() != "A" {
		t.Error("cycle should complete despite publish errors")
	}
}
