//go:build !linux

package relay

import "errors"

// GPIODriver is not available on non-Linux platforms.
type GPIODriver struct{}

// NewGPIODriver returns an error on non-Linux platforms.
func NewGPIODriver(cfg GPIOConfig) (*GPIODriver, error) {
	return nil, errors.New("relay: gpio not supported on this platform (requires Linux)")
}

// Set is not implemented on non-Linux platforms.
func (d *GPIODriver) Set(id int, on bool) error {
	return errors.New("relay: gpio not supported")
}

// Close is not implemented on non-Linux platforms.
func (d *GPIODriver) Close() error {
	return nil
}
