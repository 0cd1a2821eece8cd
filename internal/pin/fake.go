package pin

import "errors"

// FakeDigital is a test double for DigitalIO. Reads return scripted values;
// writes and direction changes are recorded for assertions.
type FakeDigital struct {
	// Values maps pin number to the value returned by Read.
	Values map[int]int

	// Written records every write as (pin, value) in order.
	Written []Write

	// Inputs and Outputs record direction requests.
	Inputs  []int
	Outputs []int

	// ReadErr, if set, is returned by Read.
	ReadErr error
}

// Write records one digital write.
type Write struct {
	Pin   int
	Value int
}

// NewFakeDigital creates a FakeDigital with no scripted values.
func NewFakeDigital() *FakeDigital {
	return &FakeDigital{Values: make(map[int]int)}
}

// Input records the direction request.
func (f *FakeDigital) Input(pin int) error {
	f.Inputs = append(f.Inputs, pin)
	return nil
}

// Output records the direction request.
func (f *FakeDigital) Output(pin int) error {
	f.Outputs = append(f.Outputs, pin)
	return nil
}

// Read returns the scripted value for the pin.
func (f *FakeDigital) Read(pin int) (int, error) {
	if f.ReadErr != nil {
		return 0, f.ReadErr
	}
	v, ok := f.Values[pin]
	if !ok {
		return 0, errors.New("no scripted value")
	}
	return v, nil
}

// Write records the write.
func (f *FakeDigital) Write(pin int, value int) error {
	f.Written = append(f.Written, Write{Pin: pin, Value: value})
	return nil
}

// LastWrite returns the most recent write to the pin, or nil.
func (f *FakeDigital) LastWrite(pin int) *Write {
	for i := len(f.Written) - 1; i >= 0; i-- {
		if f.Written[i].Pin == pin {
			return &f.Written[i]
		}
	}
	return nil
}

// FakeAnalog is a test double for AnalogIO returning scripted samples.
type FakeAnalog struct {
	// Samples contains scripted values returned by successive reads.
	// The last sample repeats once exhausted.
	Samples []int

	// Written records analog writes.
	Written []Write

	index int
}

// Read returns the next scripted sample.
func (f *FakeAnalog) Read(pin int) (int, error) {
	if len(f.Samples) == 0 {
		return 0, errors.New("no samples configured")
	}
	v := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return v, nil
}

// Write records the write.
func (f *FakeAnalog) Write(pin int, value int) error {
	f.Written = append(f.Written, Write{Pin: pin, Value: value})
	return nil
}
