// Package relay switches plant relays with hardware abstraction.
// The GPIO implementation drives Linux GPIO character device lines, the
// Modbus implementation talks to RS-485 relay modules. The fake
// implementation allows testing without hardware.
package relay

import (
	"errors"
	"fmt"
	"time"
)

// Driver sets relay states.
type Driver interface {
	// Set switches relay id on or off.
	Set(id int, on bool) error

	// Close releases the bus.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFake   = "fake"
	BackendGPIO   = "gpio"
	BackendModbus = "modbus"
)

// Defaults for the RS-485 relay bus.
const (
	DefaultModbusDevice  = "/dev/ttyUSB0"
	DefaultModbusBaud    = 9600
	DefaultModbusTimeout = time.Second
	DefaultGPIOChip      = "gpiochip0"
)

// ErrUnknownRelay is returned when a relay id has no wiring.
var ErrUnknownRelay = errors.New("unknown relay")

// GPIOConfig maps relay ids to GPIO line offsets.
type GPIOConfig struct {
	Chip      string
	Pins      map[int]int // relay id -> BCM line offset
	ActiveLow bool        // most opto-isolated relay boards switch on a low level
}

// ModbusConfig configures the RS-485 relay modules. Each relay is a Modbus
// slave whose address equals its relay id.
type ModbusConfig struct {
	Device   string
	BaudRate int
	Timeout  time.Duration
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	GPIO    GPIOConfig
	Modbus  ModbusConfig
}

// Open creates the driver named by cfg.Backend.
func Open(cfg Config) (Driver, error) {
	switch cfg.Backend {
	case BackendFake, "":
		return NewFakeDriver(), nil
	case BackendGPIO:
		d, err := NewGPIODriver(cfg.GPIO)
		if err != nil {
			return nil, err
		}
		return d, nil
	case BackendModbus:
		d, err := NewModbusDriver(cfg.Modbus)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Backend)
	}
}
