//go:build linux

package pin

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealDigital drives digital pins through the Linux GPIO character device.
// Lines are requested lazily per pin and re-requested when the direction
// changes.
type RealDigital struct {
	chip   *gpiocdev.Chip
	lines  map[int]*gpiocdev.Line
	output map[int]bool
}

// NewRealDigital opens the GPIO chip.
func NewRealDigital(chipName string) (*RealDigital, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &RealDigital{
		chip:   chip,
		lines:  make(map[int]*gpiocdev.Line),
		output: make(map[int]bool),
	}, nil
}

// Input requests the pin as an input with pull-down, matching boot defaults.
func (d *RealDigital) Input(pin int) error {
	return d.request(pin, false)
}

// Output requests the pin as an output.
func (d *RealDigital) Output(pin int) error {
	return d.request(pin, true)
}

func (d *RealDigital) request(pin int, output bool) error {
	if line, ok := d.lines[pin]; ok {
		if d.output[pin] == output {
			return nil
		}
		line.Close()
		delete(d.lines, pin)
	}
	var line *gpiocdev.Line
	var err error
	if output {
		line, err = d.chip.RequestLine(pin, gpiocdev.AsOutput(0))
	} else {
		line, err = d.chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullDown)
	}
	if err != nil {
		return fmt.Errorf("request pin %d: %w", pin, err)
	}
	d.lines[pin] = line
	d.output[pin] = output
	return nil
}

// Read returns the pin level.
func (d *RealDigital) Read(pin int) (int, error) {
	if _, ok := d.lines[pin]; !ok {
		if err := d.Input(pin); err != nil {
			return 0, err
		}
	}
	v, err := d.lines[pin].Value()
	if err != nil {
		return 0, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return v, nil
}

// Write sets the pin level, requesting it as an output first if needed.
func (d *RealDigital) Write(pin int, value int) error {
	if out, ok := d.output[pin]; !ok || !out {
		if err := d.Output(pin); err != nil {
			return err
		}
	}
	if err := d.lines[pin].SetValue(value); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

// Close reconfigures all requested lines to inputs with pull-down (matching
// boot defaults) and releases GPIO resources.
func (d *RealDigital) Close() error {
	var errs []error
	for pin, line := range d.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	if err := d.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
