package clock

// Fake is a scripted clock for tests. Sleeping advances the clock by the
// slept duration, so timing-sensitive code can be tested without real delays.
type Fake struct {
	// Millis is the current clock value. Set it directly to script time.
	Millis uint32

	// Sleeps records every Sleep call in order.
	Sleeps []uint32
}

// Now returns the current scripted time.
func (f *Fake) Now() uint32 {
	return f.Millis
}

// Sleep records the sleep and advances the clock.
func (f *Fake) Sleep(ms uint32) {
	f.Sleeps = append(f.Sleeps, ms)
	f.Millis += ms
}

// Advance moves the clock forward without recording a sleep.
func (f *Fake) Advance(ms uint32) {
	f.Millis += ms
}

// TotalSlept returns the sum of all recorded sleeps.
func (f *Fake) TotalSlept() uint32 {
	var total uint32
	for _, ms := range f.Sleeps {
		total += ms
	}
	return total
}
