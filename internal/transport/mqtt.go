package transport

import (
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/device-agent/internal/clock"
	"github.com/sweeney/device-agent/internal/device"
	"github.com/sweeney/device-agent/internal/pin"
	"github.com/sweeney/device-agent/internal/wire"
)

// bufferCapacity bounds the readings queued while the broker is unreachable.
const bufferCapacity = 1024

// Publisher is the broker connection behind the Mqtt handler.
type Publisher interface {
	Connect() bool
	Disconnect()
	IsConnected() bool
	Publish(topic string, payload []byte) error
}

// PahoPublisher publishes to an actual MQTT broker.
type PahoPublisher struct {
	client paho.Client
}

// NewPahoPublisher creates a publisher for the given broker. The connection
// itself is deferred to Connect.
func NewPahoPublisher(broker, clientID string) *PahoPublisher {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	return &PahoPublisher{client: paho.NewClient(opts)}
}

// Connect connects to the broker, returning false on timeout or error.
func (p *PahoPublisher) Connect() bool {
	if p.client.IsConnected() {
		return true
	}
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// Disconnect disconnects from the broker.
func (p *PahoPublisher) Disconnect() {
	p.client.Disconnect(1000) // milliseconds to flush in-flight work
}

// IsConnected reports whether the broker connection is up.
func (p *PahoPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Publish sends one reading at QoS 1; readings survive a device restart in
// the broker, not here, so at-least-once is wanted.
func (p *PahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Mqtt is the broker transport: poll requests publish each pin reading to a
// per-pin topic, buffering readings while the broker is unreachable and
// replaying them on reconnect. Config and vars requests delegate to the
// online handler, exactly as the offline transport does.
type Mqtt struct {
	pub    Publisher
	prefix string // Topic prefix; the pin name is appended.
	ctx    *device.Context
	mgr    *Manager
	clk    clock.Clock
	log    *slog.Logger
	queue  *ringBuffer
}

// NewMqtt creates the broker handler publishing under the given topic
// prefix.
func NewMqtt(pub Publisher, prefix string, ctx *device.Context, mgr *Manager, clk clock.Clock, log *slog.Logger) *Mqtt {
	return &Mqtt{
		pub: pub, prefix: prefix, ctx: ctx, mgr: mgr, clk: clk, log: log,
		queue: newRingBuffer(bufferCapacity),
	}
}

// Name returns the handler's mode name.
func (m *Mqtt) Name() string { return ModeMqtt }

// Init is a no-op; the broker connection is deferred to the first request.
func (m *Mqtt) Init() bool { return true }

// Connect connects to the broker and replays any buffered readings.
func (m *Mqtt) Connect() bool {
	if !m.pub.Connect() {
		return false
	}
	if n := m.queue.len(); n > 0 {
		if m.queue.dropped() {
			m.log.Warn("reading buffer overflowed, oldest readings lost")
		}
		m.log.Info("replaying buffered readings", "count", n)
		for _, q := range m.queue.drainAll() {
			if err := m.pub.Publish(q.topic, q.payload); err != nil {
				// Back in the queue; the rest will follow it next time.
				m.queue.push(q)
				m.log.Warn("replay interrupted", "error", err)
				return true
			}
		}
	}
	return true
}

// Disconnect disconnects from the broker.
func (m *Mqtt) Disconnect() {
	m.pub.Disconnect()
}

// Request publishes poll readings and delegates config and vars requests to
// the online handler. Act requests are ignored. Readings that cannot reach
// the broker are buffered rather than lost.
func (m *Mqtt) Request(kind wire.RequestType, inputs, outputs []pin.Pin, reconfig *bool) (string, error) {
	switch kind {
	case wire.RequestConfig, wire.RequestVars:
		online := m.mgr.Lookup(ModeOnline)
		if online == nil {
			return "", fmt.Errorf("%s: no online handler to delegate to", kind)
		}
		reply, err := online.Request(kind, inputs, outputs, reconfig)
		online.Disconnect()
		return reply, err

	case wire.RequestPoll:
		connected := m.Connect()
		for i := range inputs {
			if inputs[i].Value < 0 {
				continue
			}
			q := queuedReading{
				topic:   m.prefix + "/" + inputs[i].Name,
				payload: m.payload(&inputs[i]),
			}
			if !connected {
				m.queue.push(q)
				continue
			}
			if err := m.pub.Publish(q.topic, q.payload); err != nil {
				m.log.Warn("buffering reading", "pin", inputs[i].Name, "error", err)
				m.queue.push(q)
				connected = false
			}
		}
		return "", nil

	case wire.RequestAct:
		return "", nil
	}
	return "", fmt.Errorf("unsupported request: %s", kind)
}

func (m *Mqtt) payload(p *pin.Pin) []byte {
	return []byte(fmt.Sprintf(`{"ma":%q,"pin":%q,"value":%d,"ut":%d}`,
		m.ctx.MAC, p.Name, p.Value, m.clk.Now()/1000))
}
