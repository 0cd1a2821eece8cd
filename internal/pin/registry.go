package pin

import (
	"fmt"
	"log/slog"
)

// X register indexes. X pins below XMax are protocol-internal synthetic
// registers; higher X indexes dispatch to the externally-registered reader.
const (
	XSizeBW        = 0  // Test download size in bytes.
	XDownBW        = 1  // Measured download bandwidth.
	XUpBW          = 2  // Measured upload bandwidth.
	XSimulatedA0   = 10 // One-shot simulated A0 reading; also reports the last A0 sample.
	XAlarmed       = 11 // Alarm indicator.
	XAlarms        = 12 // Alarm count since boot.
	XBoot          = 13 // Boot reason of the most recent restart.
	XPulseSuppress = 14 // When set, pulses are replaced by equivalent delays.
	XMax           = 15
)

// AnalogIO reads and writes analog pins.
type AnalogIO interface {
	Read(pin int) (int, error)
	Write(pin int, value int) error
}

// DigitalIO configures, reads and writes digital pins.
type DigitalIO interface {
	Input(pin int) error
	Output(pin int) error
	Read(pin int) (int, error)
	Write(pin int, value int) error
}

// ReaderFunc reads a pin on behalf of the registry, returning the value or
// NoReading. Readers may also attach a non-scalar payload to the pin.
type ReaderFunc func(p *Pin) int

// AlarmTimer is notified when the designated alarm output pin is written;
// writing the pin is the sole trigger that starts or stops the alarm timer.
type AlarmTimer interface {
	SetAlarmTimer(on bool)
}

// StatusSource supplies the live alarm state reported by the XAlarmed and
// XAlarms registers.
type StatusSource interface {
	Alarmed() bool
	Alarms() int
}

// PowerPin describes a pin controlling a power relay. The alarm pin is ON by
// default and stays powered during alarms; it feeds the network equipment.
type PowerPin struct {
	Pin   int
	Var   string // Boolean variable that actuates the relay.
	Alarm bool
}

// DefaultPowerPins matches the standard controller board.
var DefaultPowerPins = []PowerPin{
	{Pin: 0, Var: "Alarm", Alarm: true},
	{Pin: 16, Var: "Power1"},
	{Pin: 14, Var: "Power2"},
	{Pin: 15, Var: "Power3"},
}

// Registry validates, reads and writes logical pins, dispatching by class to
// the configured collaborators. Unknown pins or absent collaborators yield
// NoReading, never a failure.
type Registry struct {
	Analog   AnalogIO
	Digital  DigitalIO
	External ReaderFunc
	Binary   ReaderFunc
	Timer    AlarmTimer
	Status   StatusSource

	log       *slog.Logger
	x         [XMax]int
	simA0     int
	powerPins []PowerPin
}

// NewRegistry creates a registry with the default power pin table.
func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{log: log, powerPins: DefaultPowerPins}
	r.x[XSizeBW] = 100000
	r.x[XSimulatedA0] = NoReading
	return r
}

// X returns the value of a synthetic register.
func (r *Registry) X(idx int) int {
	switch idx {
	case XAlarmed:
		if r.Status != nil {
			if r.Status.Alarmed() {
				return 1
			}
			return 0
		}
	case XAlarms:
		if r.Status != nil {
			return r.Status.Alarms()
		}
	}
	return r.x[idx]
}

// SetX sets the value of a synthetic register.
func (r *Registry) SetX(idx, value int) {
	r.x[idx] = value
}

// PulseSuppressed reports whether pulse suppression is requested this cycle.
func (r *Registry) PulseSuppressed() bool {
	return r.x[XPulseSuppress] == 1
}

// ResetPulseSuppress clears the pulse suppression flag. Suppression must be
// re-requested every cycle.
func (r *Registry) ResetPulseSuppress() {
	r.x[XPulseSuppress] = 0
}

// Read reads the pin value, setting it on the pin and returning it. Errors
// and unknown pins read as NoReading.
func (r *Registry) Read(p *Pin) int {
	pn := p.Index()
	p.Value = NoReading
	p.Data = nil
	switch p.Name[0] {
	case 'A':
		if pn == 0 && r.simA0 != 0 {
			// A simulated A0 value is consumed by exactly one read; the
			// following read returns the actual value again.
			r.log.Debug("simulating A0", "value", r.simA0)
			p.Value = r.simA0
			r.simA0 = 0
		} else if r.Analog != nil {
			if v, err := r.Analog.Read(pn); err == nil {
				p.Value = v
			}
		}
	case 'B', 'T':
		if r.Binary != nil {
			p.Value = r.Binary(p)
		}
	case 'D':
		if r.Digital != nil {
			if v, err := r.Digital.Read(pn); err == nil {
				p.Value = v
			}
		}
	case 'X':
		if pn >= 0 && pn < XMax {
			p.Value = r.X(pn)
		} else if r.External != nil {
			p.Value = r.External(p)
		}
	}
	r.log.Debug("read pin", "pin", p.Name, "value", p.Value)
	return p.Value
}

// Write writes the pin value. Writing the designated alarm power pin starts
// or stops the alarm timer: the pin is active-low, so writing zero raises
// the timer.
func (r *Registry) Write(p *Pin) {
	pn := p.Index()
	r.log.Debug("write pin", "pin", p.Name, "value", p.Value)
	switch p.Name[0] {
	case 'A':
		if r.Analog != nil {
			if err := r.Analog.Write(pn, p.Value); err != nil {
				r.log.Warn("analog write failed", "pin", p.Name, "error", err)
			}
		}
	case 'D':
		if pp := r.powerPin(pn); pp != nil && pp.Alarm && r.Timer != nil {
			r.Timer.SetAlarmTimer(p.Value == 0)
		}
		if r.Digital != nil {
			if err := r.Digital.Write(pn, p.Value); err != nil {
				r.log.Warn("digital write failed", "pin", p.Name, "error", err)
			}
		}
	case 'X':
		switch pn {
		case XSimulatedA0:
			r.simA0 = p.Value
		case XPulseSuppress:
			if p.Value == 1 {
				r.x[XPulseSuppress] = 1
			}
		}
	default:
		r.log.Warn("invalid pin write", "pin", p.Name)
	}
}

// WriteDigital writes a raw digital pin, bypassing pin-name dispatch. Used
// for pulse generation and LED signalling.
func (r *Registry) WriteDigital(pn, value int) error {
	if r.Digital == nil {
		return nil
	}
	return r.Digital.Write(pn, value)
}

// Init sets the direction of the configured digital pins. On startup the
// power pins are also initialized: the alarm pin is driven ON (high) and the
// remaining relays are reset.
func (r *Registry) Init(inputs, outputs string, startup bool) error {
	if r.Digital == nil {
		return nil
	}
	ins, err := ParseList(inputs)
	if err != nil {
		return fmt.Errorf("parse inputs: %w", err)
	}
	outs, err := ParseList(outputs)
	if err != nil {
		return fmt.Errorf("parse outputs: %w", err)
	}
	for i := range ins {
		if ins[i].Name[0] == 'D' {
			if err := r.Digital.Input(ins[i].Index()); err != nil {
				return fmt.Errorf("init input %s: %w", ins[i].Name, err)
			}
		}
	}
	for i := range outs {
		if outs[i].Name[0] == 'D' {
			if err := r.Digital.Output(outs[i].Index()); err != nil {
				return fmt.Errorf("init output %s: %w", outs[i].Name, err)
			}
		}
	}
	if startup {
		if pp := r.alarmPin(); pp != nil {
			if err := r.Digital.Output(pp.Pin); err != nil {
				return fmt.Errorf("init alarm pin: %w", err)
			}
			if err := r.Digital.Write(pp.Pin, 1); err != nil {
				return fmt.Errorf("raise alarm pin: %w", err)
			}
		}
		r.ResetPowerPins()
	}
	return nil
}

// ResetPowerPins drives all power pins low, except the always-on alarm pin
// which keeps the network equipment powered.
func (r *Registry) ResetPowerPins() {
	if r.Digital == nil {
		return
	}
	for _, pp := range r.powerPins {
		if pp.Alarm {
			continue
		}
		if err := r.Digital.Output(pp.Pin); err != nil {
			r.log.Warn("power pin init failed", "pin", pp.Pin, "error", err)
			continue
		}
		if err := r.Digital.Write(pp.Pin, 0); err != nil {
			r.log.Warn("power pin reset failed", "pin", pp.Pin, "error", err)
		}
		r.log.Debug("reset power pin", "pin", pp.Pin)
	}
}

// SetAlarmOutput drives the alarm pin. The pin is active-low: an active
// alarm pulls it to ground.
func (r *Registry) SetAlarmOutput(active bool) {
	pp := r.alarmPin()
	if pp == nil || r.Digital == nil {
		return
	}
	v := 1
	if active {
		v = 0
	}
	if err := r.Digital.Write(pp.Pin, v); err != nil {
		r.log.Warn("alarm pin write failed", "error", err)
	}
}

func (r *Registry) powerPin(pn int) *PowerPin {
	for i := range r.powerPins {
		if r.powerPins[i].Pin == pn {
			return &r.powerPins[i]
		}
	}
	return nil
}

func (r *Registry) alarmPin() *PowerPin {
	for i := range r.powerPins {
		if r.powerPins[i].Alarm {
			return &r.powerPins[i]
		}
	}
	return nil
}
