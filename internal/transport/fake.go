package transport

// FakePublisher is a Publisher double recording published readings.
type FakePublisher struct {
	// Up controls whether Connect succeeds.
	Up bool

	// PublishErr, when non-nil, fails Publish after FailAfter successes.
	PublishErr error
	FailAfter  int

	Published []struct {
		Topic   string
		Payload string
	}
	Connects    int
	Disconnects int

	connected bool
	successes int
}

// Connect records the attempt and succeeds if the publisher is up.
func (f *FakePublisher) Connect() bool {
	f.Connects++
	f.connected = f.Up
	return f.connected
}

// Disconnect records the call.
func (f *FakePublisher) Disconnect() {
	f.Disconnects++
	f.connected = false
}

// IsConnected reports the recorded connection state.
func (f *FakePublisher) IsConnected() bool { return f.connected }

// Publish records the reading, failing once the configured success budget is
// spent.
func (f *FakePublisher) Publish(topic string, payload []byte) error {
	if f.PublishErr != nil && f.successes >= f.FailAfter {
		return f.PublishErr
	}
	f.successes++
	f.Published = append(f.Published, struct {
		Topic   string
		Payload string
	}{topic, string(payload)})
	return nil
}
