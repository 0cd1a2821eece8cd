// Package transport implements the pluggable transport handlers the
// scheduler issues requests through: the Online handler (network
// request/response), the Offline handler (append-only local binary log) and
// the Mqtt handler (broker publishing), selected and persisted by name
// through the handler manager.
package transport

import (
	"log/slog"

	"github.com/sweeney/device-agent/internal/nvram"
	"github.com/sweeney/device-agent/internal/pin"
	"github.com/sweeney/device-agent/internal/wire"
)

// Handler mode names. The active handler's name is the device mode reported
// with config requests and persisted across restarts.
const (
	ModeOnline  = "Online"
	ModeOffline = "Offline"
	ModeMqtt    = "Mqtt"
)

// Handler is the transport capability. One handler is active at a time; a
// handler may delegate to another by looking it up through the manager.
type Handler interface {
	// Name returns the handler's mode name.
	Name() string

	// Init performs one-time setup, returning false on failure.
	Init() bool

	// Connect brings up the handler's transport, returning false on failure.
	// Connecting an already-connected handler is a no-op success.
	Connect() bool

	// Disconnect tears down the handler's transport. Failure to cleanly
	// disconnect is locally fatal and restarts the device.
	Disconnect()

	// Request issues a single request of the given kind, sending input pin
	// values and writing any returned output pin values. It sets reconfig
	// true if the service requires a fresh config exchange. The returned
	// reply is the raw response body, empty for transports with no
	// response.
	Request(kind wire.RequestType, inputs, outputs []pin.Pin, reconfig *bool) (string, error)
}

// Manager owns a small fixed set of named handlers and tracks the active
// one, persisting the selection so the device mode survives restarts.
type Manager struct {
	handlers []Handler
	current  int
	storage  nvram.Storage
	log      *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(storage nvram.Storage, log *slog.Logger) *Manager {
	return &Manager{storage: storage, log: log}
}

// Add registers a handler and initializes it.
func (m *Manager) Add(h Handler) bool {
	m.log.Debug("adding handler", "name", h.Name())
	m.handlers = append(m.handlers, h)
	return h.Init()
}

// Set makes the named handler active and persists the selection. Unknown
// names are rejected and the active handler is unchanged.
func (m *Manager) Set(name string) Handler {
	for i, h := range m.handlers {
		if h.Name() == name {
			m.current = i
			if err := m.storage.Write(nvram.CellMode, []byte(name)); err != nil {
				m.log.Error("failed to persist mode", "mode", name, "error", err)
			}
			m.log.Info("set handler", "name", name)
			return h
		}
	}
	m.log.Warn("unknown handler", "name", name)
	return nil
}

// Restore selects the persisted handler, or the named default if nothing
// valid is persisted. Unlike Set it never writes to storage.
func (m *Manager) Restore(defaultName string) {
	name := defaultName
	if data, err := m.storage.Read(nvram.CellMode); err != nil {
		m.log.Error("failed to read mode preference", "error", err)
	} else if len(data) > 0 {
		name = string(data)
	}
	for i, h := range m.handlers {
		if h.Name() == name {
			m.current = i
			m.log.Info("restored handler", "name", name)
			return
		}
	}
	m.log.Warn("persisted mode unknown, keeping default", "name", name)
}

// Active returns the active handler, or nil if none were added.
func (m *Manager) Active() Handler {
	if m.current >= len(m.handlers) {
		return nil
	}
	return m.handlers[m.current]
}

// ActiveName returns the active handler's name, or empty.
func (m *Manager) ActiveName() string {
	if h := m.Active(); h != nil {
		return h.Name()
	}
	return ""
}

// Lookup returns the handler with the given name, or nil. It is used for
// handler-to-handler delegation.
func (m *Manager) Lookup(name string) Handler {
	for _, h := range m.handlers {
		if h.Name() == name {
			return h
		}
	}
	return nil
}
