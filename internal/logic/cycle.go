package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/irrigation-controller/internal/timer"
)

// Defaults for Options.
const (
	DefaultAcceptanceWindow = 60 * time.Second
	referenceZoneOffset     = 7 * 60 * 60 // UTC+7
)

// ReferenceZone is the zone the schedule feed is authored in.
var ReferenceZone = time.FixedZone("UTC+7", referenceZoneOffset)

// Options configures a Cycle. Zero values select defaults.
type Options struct {
	Layout Layout

	// Window is how recent a feed record must be to be accepted.
	Window time.Duration

	// Zone is the reference zone "now" is expressed in for the window check.
	Zone *time.Location

	// Now returns the wall-clock time used for the acceptance window.
	Now func() time.Time

	// Timer paces the phases. Must be monotonic.
	Timer *timer.Timer

	Logger *zerolog.Logger
}

// mixerStep is one fertilizer component: the valve relay and how long it stays open.
type mixerStep struct {
	relay    int
	duration time.Duration
}

// Cycle is the irrigation sequencing state machine.
//
// Run advances at most one transition per call and never blocks on the
// timer; the caller decides the polling cadence. Not safe for concurrent use.
type Cycle struct {
	relays   RelayDriver
	source   ScheduleSource
	reporter StatusReporter
	notifier Notifier

	layout Layout
	window time.Duration
	zone   *time.Location
	now    func() time.Time
	timer  *timer.Timer
	log    zerolog.Logger

	state         State
	queue         []Schedule
	current       *Schedule
	durations     Durations
	estimate      time.Duration
	steps         []mixerStep
	mixer         int
	lastCompleted string
	lastRejected  time.Time
	counts        Counts
}

// NewCycle creates an idle Cycle.
func NewCycle(relays RelayDriver, source ScheduleSource, reporter StatusReporter, notifier Notifier, opts Options) *Cycle {
	c := &Cycle{
		relays:   relays,
		source:   source,
		reporter: reporter,
		notifier: notifier,
		layout:   opts.Layout,
		window:   opts.Window,
		zone:     opts.Zone,
		now:      opts.Now,
		timer:    opts.Timer,
		state:    StateIdle,
	}
	if len(c.layout.Areas) == 0 {
		c.layout = DefaultLayout()
	}
	if c.window <= 0 {
		c.window = DefaultAcceptanceWindow
	}
	if c.zone == nil {
		c.zone = ReferenceZone
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.timer == nil {
		c.timer = timer.New()
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = zerolog.Nop()
	}
	return c
}

// Run performs one step of the cycle.
//
// It returns the transition taken, or nil if no exit condition was met.
// Errors wrapping ErrRelay are fatal: the plant state is unknown. If the
// failing relay belonged to a phase that was already entered, the event for
// that transition is returned alongside the error. Errors wrapping
// ErrInvalidSchedule report a rejected feed record and leave the cycle idle.
func (c *Cycle) Run(ctx context.Context) (*Event, error) {
	switch c.state {
	case StateIdle:
		return c.runIdle(ctx)
	case StateFertilizing:
		return c.runFertilizing()
	case StateMixing:
		if !c.timer.Expired() {
			return nil, nil
		}
		return c.enter(StatePumpIn, c.durations.PumpIn, c.layout.PumpIn)
	case StatePumpIn:
		if !c.timer.Expired() {
			return nil, nil
		}
		if err := c.setRelay(c.layout.PumpIn, false); err != nil {
			return nil, err
		}
		return c.enter(StateSelectingArea, c.durations.AreaSelection, c.layout.AreaRelay(c.current.Area))
	case StateSelectingArea:
		if !c.timer.Expired() {
			return nil, nil
		}
		if err := c.setRelay(c.layout.AreaRelay(c.current.Area), false); err != nil {
			return nil, err
		}
		return c.enter(StatePumpOut, c.durations.PumpOut, c.layout.PumpOut)
	case StatePumpOut:
		if !c.timer.Expired() {
			return nil, nil
		}
		return c.complete()
	}
	return nil, fmt.Errorf("unknown state %q", c.state)
}

func (c *Cycle) runIdle(ctx context.Context) (*Event, error) {
	if len(c.queue) == 0 {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if len(c.queue) == 0 {
		return nil, nil
	}

	s := c.queue[0]
	c.queue = c.queue[1:]
	c.current = &s
	c.durations = ComputeDurations(s)
	c.estimate = Estimate(s)
	c.steps = c.steps[:0]
	for i, d := range c.durations.Fertilizer {
		c.steps = append(c.steps, mixerStep{relay: c.layout.Mixers[i], duration: d})
	}

	log := c.log.With().Str("schedule", s.Name).Logger()
	log.Info().
		Float64("estimate_s", c.estimate.Seconds()).
		Int("area", s.Area).
		Msg("received watering schedule")

	confirm := Confirmation{
		ScheduleName: s.Name,
		Status:       "confirmed",
		TotalTime:    c.estimate.Seconds(),
	}
	if err := c.reporter.PublishStatus(ctx, confirm); err != nil {
		log.Warn().Err(err).Msg("failed to publish confirmation")
	}

	c.state = StateFertilizing
	c.mixer = 0
	c.counts.Started++
	first := c.steps[0]
	c.timer.Start(first.duration)
	ev := &Event{
		Timestamp: c.now(),
		Type:      EventCycleStarted,
		From:      StateIdle,
		To:        StateFertilizing,
		Schedule:  s,
		Mixer:     1,
		Relay:     first.relay,
		Estimate:  c.estimate,
	}
	return ev, c.setRelay(first.relay, true)
}

// runFertilizing walks the mixer steps; each expiry closes the current valve
// and opens the next, and the last expiry starts the mixing phase.
func (c *Cycle) runFertilizing() (*Event, error) {
	if !c.timer.Expired() {
		return nil, nil
	}
	if err := c.setRelay(c.steps[c.mixer].relay, false); err != nil {
		return nil, err
	}
	c.mixer++
	if c.mixer < len(c.steps) {
		next := c.steps[c.mixer]
		c.timer.Start(next.duration)
		ev := c.event(EventMixerStarted, StateFertilizing, StateFertilizing, next.relay)
		return ev, c.setRelay(next.relay, true)
	}

	c.state = StateMixing
	c.timer.Start(c.durations.Mixing)
	return c.event(EventPhaseStarted, StateFertilizing, StateMixing, 0), nil
}

// enter moves to the next phase, arms its timer and switches its relay on.
func (c *Cycle) enter(next State, d time.Duration, relay int) (*Event, error) {
	from := c.state
	c.state = next
	c.timer.Start(d)
	ev := c.event(EventPhaseStarted, from, next, relay)
	return ev, c.setRelay(relay, true)
}

func (c *Cycle) complete() (*Event, error) {
	if err := c.setRelay(c.layout.PumpOut, false); err != nil {
		return nil, err
	}
	s := *c.current
	c.state = StateIdle
	if err := c.notifier.Notify(CompletionMessage); err != nil {
		c.log.Warn().Err(err).Str("schedule", s.Name).Msg("failed to deliver completion notification")
	}
	c.lastCompleted = s.Name
	c.current = nil
	c.mixer = 0
	c.counts.Completed++
	c.log.Info().Str("schedule", s.Name).Msg("watering cycle complete")
	return &Event{
		Timestamp: c.now(),
		Type:      EventCycleComplete,
		From:      StatePumpOut,
		To:        StateIdle,
		Schedule:  s,
	}, nil
}

func (c *Cycle) event(typ EventType, from, to State, relay int) *Event {
	e := &Event{
		Timestamp: c.now(),
		Type:      typ,
		From:      from,
		To:        to,
		Schedule:  *c.current,
		Relay:     relay,
	}
	if to == StateFertilizing {
		e.Mixer = c.mixer + 1
	}
	return e
}

// fetch polls the source once and queues the record if it is fresh, valid
// and not the schedule that just finished. Only a malformed record yields an
// error; transport failures count as "no new data".
func (c *Cycle) fetch(ctx context.Context) error {
	rec, err := c.source.FetchLatest(ctx)
	if err != nil {
		c.counts.FetchErrors++
		c.log.Warn().Err(err).Msg("schedule fetch failed")
		return nil
	}
	if rec == nil {
		c.log.Debug().Msg("no new data on schedule feed")
		return nil
	}

	now := c.now().In(c.zone)
	if !rec.CreatedAt.After(now.Add(-c.window)) {
		c.log.Debug().Time("created_at", rec.CreatedAt).Msg("no new data on schedule feed")
		return nil
	}

	s, err := ParseSchedule([]byte(rec.Value))
	if err == nil {
		err = s.Validate(c.layout)
	}
	if err != nil {
		// The record stays visible for the whole window; report it once.
		if rec.CreatedAt.Equal(c.lastRejected) {
			return nil
		}
		c.lastRejected = rec.CreatedAt
		c.counts.Rejected++
		return fmt.Errorf("feed record created %s: %w", rec.CreatedAt.Format(time.RFC3339), err)
	}

	if s.Name == c.lastCompleted {
		c.log.Debug().Str("schedule", s.Name).Msg("skipping just-completed schedule")
		return nil
	}

	c.queue = append(c.queue, s)
	c.log.Info().Str("schedule", s.Name).Msg("fetched new schedule")
	return nil
}

// Enqueue validates a schedule and appends it to the pending queue.
func (c *Cycle) Enqueue(s Schedule) error {
	if err := s.Validate(c.layout); err != nil {
		return err
	}
	c.queue = append(c.queue, s)
	return nil
}

func (c *Cycle) setRelay(id int, on bool) error {
	if err := c.relays.Set(id, on); err != nil {
		return fmt.Errorf("%w: relay %d on=%v: %v", ErrRelay, id, on, err)
	}
	return nil
}

// SafeOff switches every relay in the layout off. It is idempotent and
// attempts every relay even if some fail. The cycle state is not changed.
func (c *Cycle) SafeOff() error {
	var errs []error
	for _, id := range c.layout.All() {
		if err := c.relays.Set(id, false); err != nil {
			errs = append(errs, fmt.Errorf("relay %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Cleanup releases the relay bus.
func (c *Cycle) Cleanup() error {
	return c.relays.Close()
}

// State returns the current phase.
func (c *Cycle) State() State {
	return c.state
}

// LastCompleted returns the name of the most recently finished schedule.
func (c *Cycle) LastCompleted() string {
	return c.lastCompleted
}

// Layout returns the relay assignment in use.
func (c *Cycle) Layout() Layout {
	return c.layout
}

// Status returns a snapshot of the cycle.
func (c *Cycle) Status() Status {
	st := Status{
		State:         c.state,
		QueueLen:      len(c.queue),
		LastCompleted: c.lastCompleted,
		Counts:        c.counts,
	}
	if c.current != nil {
		s := *c.current
		st.Schedule = &s
		st.Remaining = c.timer.Remaining()
		st.Estimate = c.estimate
	}
	if c.state == StateFertilizing {
		st.Mixer = c.mixer + 1
	}
	return st
}
