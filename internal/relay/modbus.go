package relay

import (
	"fmt"

	"github.com/goburrow/modbus"
)

// Relay modules expose their coil as holding register 0.
const (
	relayRegister = 0
	relayOnValue  = 0x00FF
	relayOffValue = 0x0000

	maxSlaveID = 247
)

// ModbusDriver switches RS-485 relay modules over Modbus RTU.
type ModbusDriver struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewModbusDriver opens the serial port.
func NewModbusDriver(cfg ModbusConfig) (*ModbusDriver, error) {
	device := cfg.Device
	if device == "" {
		device = DefaultModbusDevice
	}
	h := modbus.NewRTUClientHandler(device)
	h.BaudRate = cfg.BaudRate
	if h.BaudRate == 0 {
		h.BaudRate = DefaultModbusBaud
	}
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.Timeout = cfg.Timeout
	if h.Timeout == 0 {
		h.Timeout = DefaultModbusTimeout
	}

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("open modbus port %s: %w", device, err)
	}
	return &ModbusDriver{handler: h, client: modbus.NewClient(h)}, nil
}

// Set writes the on/off value to the relay module addressed by id.
func (d *ModbusDriver) Set(id int, on bool) error {
	if id < 1 || id > maxSlaveID {
		return fmt.Errorf("%w: %d is not a valid modbus address", ErrUnknownRelay, id)
	}
	value := uint16(relayOffValue)
	if on {
		value = relayOnValue
	}
	d.handler.SlaveId = byte(id)
	if _, err := d.client.WriteSingleRegister(relayRegister, value); err != nil {
		return fmt.Errorf("set relay %d: %w", id, err)
	}
	return nil
}

// Close releases the serial port.
func (d *ModbusDriver) Close() error {
	if err := d.handler.Close(); err != nil {
		return fmt.Errorf("close modbus port: %w", err)
	}
	return nil
}
