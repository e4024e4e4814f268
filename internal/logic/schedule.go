package logic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MixerCount is the number of fertilizer components per schedule.
const MixerCount = 3

// MaxQuantity is the largest accepted quantity. Five quantities plus the
// fixed phases and the safety margin must fit in a time.Duration.
const MaxQuantity int64 = math.MaxInt64 / int64(UnitDuration) / 8

// Schedule is one watering job as authored upstream.
type Schedule struct {
	Name        string `json:"name"`
	Fertilizer1 int    `json:"fertilizer1"`
	Fertilizer2 int    `json:"fertilizer2"`
	Fertilizer3 int    `json:"fertilizer3"`
	WaterAmount int    `json:"waterAmount"`
	Area        int    `json:"area"` // 1-based
}

// Fertilizers returns the three fertilizer quantities in mixer order.
func (s Schedule) Fertilizers() [MixerCount]int {
	return [MixerCount]int{s.Fertilizer1, s.Fertilizer2, s.Fertilizer3}
}

// quantity accepts both JSON numbers and numeric strings, since schedule
// authoring tools emit either.
type quantity struct {
	value int
	set   bool
}

func (q *quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		text = strings.TrimSpace(s)
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	q.value = n
	q.set = true
	return nil
}

type rawSchedule struct {
	Name        *string  `json:"name"`
	Fertilizer1 quantity `json:"fertilizer1"`
	Fertilizer2 quantity `json:"fertilizer2"`
	Fertilizer3 quantity `json:"fertilizer3"`
	WaterAmount quantity `json:"waterAmount"`
	Area        quantity `json:"area"`
}

// ParseSchedule decodes a feed record value. Every field is required.
// The result is not checked against a relay layout; see Validate.
func ParseSchedule(data []byte) (Schedule, error) {
	var raw rawSchedule
	if err := json.Unmarshal(data, &raw); err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if raw.Name == nil {
		return Schedule{}, fmt.Errorf("%w: missing name", ErrInvalidSchedule)
	}
	fields := []struct {
		name string
		q    quantity
	}{
		{"fertilizer1", raw.Fertilizer1},
		{"fertilizer2", raw.Fertilizer2},
		{"fertilizer3", raw.Fertilizer3},
		{"waterAmount", raw.WaterAmount},
		{"area", raw.Area},
	}
	for _, f := range fields {
		if !f.q.set {
			return Schedule{}, fmt.Errorf("%w: missing %s", ErrInvalidSchedule, f.name)
		}
	}
	return Schedule{
		Name:        *raw.Name,
		Fertilizer1: raw.Fertilizer1.value,
		Fertilizer2: raw.Fertilizer2.value,
		Fertilizer3: raw.Fertilizer3.value,
		WaterAmount: raw.WaterAmount.value,
		Area:        raw.Area.value,
	}, nil
}

// Validate checks the schedule can be executed on the given layout.
func (s Schedule) Validate(layout Layout) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSchedule)
	}
	for i, q := range s.Fertilizers() {
		if err := checkQuantity(fmt.Sprintf("fertilizer%d", i+1), q); err != nil {
			return err
		}
	}
	if err := checkQuantity("waterAmount", s.WaterAmount); err != nil {
		return err
	}
	if s.Area < 1 || s.Area > len(layout.Areas) {
		return fmt.Errorf("%w: area %d out of range 1..%d", ErrInvalidSchedule, s.Area, len(layout.Areas))
	}
	return nil
}

func checkQuantity(field string, q int) error {
	if q < 0 {
		return fmt.Errorf("%w: %s is negative (%d)", ErrInvalidSchedule, field, q)
	}
	if int64(q) > MaxQuantity {
		return fmt.Errorf("%w: %s exceeds %d (%d)", ErrInvalidSchedule, field, MaxQuantity, q)
	}
	return nil
}

// Layout assigns relay IDs on the bus to plant functions.
type Layout struct {
	Mixers  [MixerCount]int
	Areas   []int // index 0 is area 1
	PumpIn  int
	PumpOut int
}

// DefaultLayout is the wiring of the stock controller board.
func DefaultLayout() Layout {
	return Layout{
		Mixers:  [MixerCount]int{1, 2, 3},
		Areas:   []int{4, 5, 6},
		PumpIn:  7,
		PumpOut: 8,
	}
}

// AreaRelay returns the selector relay for a 1-based area number.
func (l Layout) AreaRelay(area int) int {
	return l.Areas[area-1]
}

// All returns every relay ID in the layout.
func (l Layout) All() []int {
	ids := make([]int, 0, MixerCount+len(l.Areas)+2)
	ids = append(ids, l.Mixers[:]...)
	ids = append(ids, l.Areas...)
	return append(ids, l.PumpIn, l.PumpOut)
}

// Validate checks that IDs are positive and unique and that at least one
// area exists.
func (l Layout) Validate() error {
	if len(l.Areas) == 0 {
		return fmt.Errorf("%w: no area selectors", ErrInvalidLayout)
	}
	seen := make(map[int]bool)
	for _, id := range l.All() {
		if id <= 0 {
			return fmt.Errorf("%w: relay id %d must be positive", ErrInvalidLayout, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: relay id %d assigned twice", ErrInvalidLayout, id)
		}
		seen[id] = true
	}
	return nil
}
