package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/status"
)

// cycleRecorder persists cycle outcomes.
type cycleRecorder interface {
	Start(ctx context.Context, s logic.Schedule, estimate time.Duration, at time.Time) (int64, error)
	Complete(ctx context.Context, id int64, at time.Time) error
	Fail(ctx context.Context, id int64, at time.Time, detail string) error
}

// eventObserver counts cycle transitions.
type eventObserver interface {
	ObserveEvent(e logic.Event)
}

// loopDeps are the collaborators of runLoop. recorder, observer, tracker and
// mqttStatus may be nil.
type loopDeps struct {
	cycle      *logic.Cycle
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	recorder   cycleRecorder
	observer   eventObserver
	heartbeat  time.Duration
	now        func() time.Time // called exactly once per tick
	log        zerolog.Logger
}

// runLoop advances the cycle on every tick until a signal arrives or a relay
// fails. A relay failure switches everything off and is returned.
func runLoop(ctx context.Context, d loopDeps, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastBeat := d.now()
	var historyID int64 // zero when no cycle is recorded

	for {
		select {
		case s := <-sig:
			reason := signalName(s)
			d.log.Info().Str("signal", reason).Msg("shutting down")
			t := d.now()

			if d.cycle.State() != logic.StateIdle {
				d.log.Warn().Str("state", string(d.cycle.State())).Msg("interrupting running cycle")
				if d.recorder != nil && historyID != 0 {
					if err := d.recorder.Fail(ctx, historyID, t, "interrupted by "+reason); err != nil {
						d.log.Warn().Err(err).Msg("record interrupted cycle")
					}
				}
			}
			if err := d.cycle.SafeOff(); err != nil {
				d.log.Error().Err(err).Msg("safe off failed")
			}
			publishSystem(d, t, "SHUTDOWN", reason, true)
			return nil

		case <-tick:
			t := d.now()

			ev, err := d.cycle.Run(ctx)
			if ev != nil {
				historyID = handleEvent(ctx, d, *ev, historyID)
			}
			if err != nil {
				if errors.Is(err, logic.ErrRelay) {
					return fault(ctx, d, t, historyID, err)
				}
				d.log.Warn().Err(err).Msg("rejected schedule record")
			}

			if d.heartbeat > 0 && t.Sub(lastBeat) >= d.heartbeat {
				lastBeat = t
				if net := readNetworkInfo(); net != nil && d.tracker != nil {
					d.tracker.SetNetwork(net)
				}
				st := d.cycle.Status()
				d.log.Info().
					Str("state", string(st.State)).
					Int("started", st.Counts.Started).
					Int("completed", st.Counts.Completed).
					Int("rejected", st.Counts.Rejected).
					Int("fetch_errors", st.Counts.FetchErrors).
					Msg("heartbeat")
				updateTracker(d)
				publishSystem(d, t, "HEARTBEAT", "", false)
			}

			updateTracker(d)
		}
	}
}

// handleEvent logs, publishes and records one transition. It returns the
// history ID of the running cycle.
func handleEvent(ctx context.Context, d loopDeps, ev logic.Event, historyID int64) int64 {
	d.log.Info().
		Str("event", string(ev.Type)).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Str("schedule", ev.Schedule.Name).
		Int("relay", ev.Relay).
		Msg("cycle event")

	if err := d.publisher.Publish(ev); err != nil {
		d.log.Warn().Err(err).Msg("publish error")
	}
	if d.observer != nil {
		d.observer.ObserveEvent(ev)
	}
	if d.recorder == nil {
		return historyID
	}

	switch ev.Type {
	case logic.EventCycleStarted:
		id, err := d.recorder.Start(ctx, ev.Schedule, ev.Estimate, ev.Timestamp)
		if err != nil {
			d.log.Warn().Err(err).Msg("record cycle start")
			return 0
		}
		return id
	case logic.EventCycleComplete:
		if historyID != 0 {
			if err := d.recorder.Complete(ctx, historyID, ev.Timestamp); err != nil {
				d.log.Warn().Err(err).Msg("record cycle completion")
			}
		}
		return 0
	}
	return historyID
}

// fault handles a relay failure: the plant state is unknown, so every relay
// is switched off and the loop stops.
func fault(ctx context.Context, d loopDeps, t time.Time, historyID int64, cause error) error {
	d.log.Error().Err(cause).Str("state", string(d.cycle.State())).Msg("relay fault")

	if d.tracker != nil {
		d.tracker.SetFault(cause.Error())
	}
	if d.recorder != nil && historyID != 0 {
		if err := d.recorder.Fail(ctx, historyID, t, cause.Error()); err != nil {
			d.log.Warn().Err(err).Msg("record failed cycle")
		}
	}
	offErr := d.cycle.SafeOff()
	if offErr != nil {
		d.log.Error().Err(offErr).Msg("safe off failed")
	}
	updateTracker(d)
	publishSystem(d, t, "SHUTDOWN", "FAULT", true)

	if offErr != nil {
		return fmt.Errorf("relay fault: %w (safe off: %v)", cause, offErr)
	}
	return fmt.Errorf("relay fault: %w", cause)
}

func updateTracker(d loopDeps) {
	if d.tracker == nil {
		return
	}
	d.tracker.Update(d.cycle.Status())
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

func publishSystem(d loopDeps, t time.Time, event, reason string, retained bool) {
	se := mqtt.SystemEvent{
		Timestamp: t,
		Event:     event,
		Reason:    reason,
		Retained:  retained,
	}
	if d.tracker != nil {
		updateTracker(d)
		se.RawPayload = status.FormatStatusEvent(d.tracker.Snapshot(), event, reason)
	}
	if err := d.publisher.PublishSystem(se); err != nil {
		d.log.Warn().Err(err).Str("event", event).Msg("failed to publish system event")
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
