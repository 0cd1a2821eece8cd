// Package device holds the owned device context: the in-memory view of the
// persisted configuration plus the per-boot protocol state shared between
// the scheduler and the transport handlers. It replaces what earlier
// firmware kept as process-wide globals; the scheduler owns the context and
// collaborators receive read access.
package device

import "github.com/sweeney/device-agent/internal/config"

// Context is the device's mutable state. It is confined to the scheduler's
// single thread of control, so no locking is required.
type Context struct {
	// Config is the in-memory copy of the persisted configuration.
	Config config.Configuration

	// VarSum is the last varsum token received from the service. A response
	// carrying a different value signals that the persistent variables must
	// be re-fetched.
	VarSum int

	// Configured reports whether a config exchange has succeeded since boot
	// (or since the service last requested an update).
	Configured bool

	// Error is the last device error string, round-tripped to the service
	// with the next config request.
	Error string

	// MAC is the formatted hardware address identifying the device.
	MAC string
}
