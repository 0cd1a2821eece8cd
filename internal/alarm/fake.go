package alarm

// FakeActuator records alarm output and power pin actuation for tests.
type FakeActuator struct {
	// AlarmOutputs records every SetAlarmOutput call in order.
	AlarmOutputs []bool

	// PowerResets counts ResetPowerPins calls.
	PowerResets int
}

// SetAlarmOutput records the call.
func (f *FakeActuator) SetAlarmOutput(active bool) {
	f.AlarmOutputs = append(f.AlarmOutputs, active)
}

// ResetPowerPins records the call.
func (f *FakeActuator) ResetPowerPins() {
	f.PowerResets++
}

// FakeRestarter records restart requests instead of restarting.
type FakeRestarter struct {
	Restarts int
}

// Restart records the call.
func (f *FakeRestarter) Restart() {
	f.Restarts++
}
