//go:build !linux

package pin

import "errors"

// RealDigital is not available on non-Linux platforms.
type RealDigital struct{}

// NewRealDigital returns an error on non-Linux platforms.
func NewRealDigital(chipName string) (*RealDigital, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Input is not implemented on non-Linux platforms.
func (d *RealDigital) Input(pin int) error {
	return errors.New("gpio: not supported")
}

// Output is not implemented on non-Linux platforms.
func (d *RealDigital) Output(pin int) error {
	return errors.New("gpio: not supported")
}

// Read is not implemented on non-Linux platforms.
func (d *RealDigital) Read(pin int) (int, error) {
	return 0, errors.New("gpio: not supported")
}

// Write is not implemented on non-Linux platforms.
func (d *RealDigital) Write(pin int, value int) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (d *RealDigital) Close() error {
	return nil
}
