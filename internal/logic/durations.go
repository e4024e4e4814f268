package logic

import "time"

// Timing constants for the plant.
const (
	// UnitDuration is how long one quantity unit takes to dispense (0.01s).
	UnitDuration = 10 * time.Millisecond

	MixingDuration        = 10 * time.Second
	AreaSelectionDuration = 1 * time.Second

	// SafetyMarginPercent inflates the advisory estimate only.
	SafetyMarginPercent = 15
)

// Durations are the per-phase run times derived from a schedule.
type Durations struct {
	Fertilizer    [MixerCount]time.Duration
	Mixing        time.Duration
	PumpIn        time.Duration
	PumpOut       time.Duration
	AreaSelection time.Duration
}

// ComputeDurations derives phase durations from schedule quantities.
func ComputeDurations(s Schedule) Durations {
	var d Durations
	for i, q := range s.Fertilizers() {
		d.Fertilizer[i] = time.Duration(q) * UnitDuration
	}
	d.Mixing = MixingDuration
	d.PumpIn = time.Duration(s.WaterAmount) * UnitDuration
	d.PumpOut = d.PumpIn
	d.AreaSelection = AreaSelectionDuration
	return d
}

// Total is the sum of all phases without safety margin.
func (d Durations) Total() time.Duration {
	total := d.Mixing + d.PumpIn + d.PumpOut + d.AreaSelection
	for _, f := range d.Fertilizer {
		total += f
	}
	return total
}

// Estimate returns the advisory completion time for a schedule, including
// the safety margin. It is reported to the operator and never used for
// relay timing.
// Split into whole hundredths so the product cannot overflow for any
// schedule that passes Validate.
func Estimate(s Schedule) time.Duration {
	total := ComputeDurations(s).Total()
	whole, rest := total/100, total%100
	return total + whole*SafetyMarginPercent + rest*SafetyMarginPercent/100
}
