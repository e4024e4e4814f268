//go:build linux

package relay

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIODriver drives relays wired directly to GPIO output lines.
type GPIODriver struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewGPIODriver requests every configured line as an output, initially off.
func NewGPIODriver(cfg GPIOConfig) (*GPIODriver, error) {
	name := cfg.Chip
	if name == "" {
		name = DefaultGPIOChip
	}
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	d := &GPIODriver{chip: chip, lines: make(map[int]*gpiocdev.Line)}
	for id, pin := range cfg.Pins {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
		if cfg.ActiveLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := chip.RequestLine(pin, opts...)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request relay %d pin %d: %w", id, pin, err)
		}
		d.lines[id] = line
	}
	return d, nil
}

// Set drives the relay's line to the logical level for on.
func (d *GPIODriver) Set(id int, on bool) error {
	line, ok := d.lines[id]
	if !ok {
		return fmt.Errorf("%w: %d has no gpio pin", ErrUnknownRelay, id)
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set relay %d: %w", id, err)
	}
	return nil
}

// Close switches every relay off and releases the lines.
// Lines are released even if switching off fails.
func (d *GPIODriver) Close() error {
	var errs []error

	for id, line := range d.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("switch off relay %d: %w", id, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay %d line: %w", id, err))
		}
	}
	d.lines = nil
	if d.chip != nil {
		if err := d.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		d.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
