package transport

import (
	"fmt"
	"net"
	"strings"
)

// SystemLink is the Link for hosts whose network is managed by the operating
// system: association is a no-op and the MAC is read from the first
// non-loopback interface.
type SystemLink struct{}

// Connect is a no-op; the host's network is already up.
func (SystemLink) Connect(ssid, key string) error { return nil }

// Disconnect is a no-op.
func (SystemLink) Disconnect() error { return nil }

// MAC returns the hardware address of the first non-loopback interface,
// formatted without separators, or empty if none is found.
func (SystemLink) MAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		var b strings.Builder
		for _, octet := range iface.HardwareAddr {
			fmt.Fprintf(&b, "%02X", octet)
		}
		return b.String()
	}
	return ""
}

// FakeLink is a Link double recording association attempts.
type FakeLink struct {
	// Addr is the MAC to report.
	Addr string

	// ConnectErr, when non-nil, fails Connect for networks other than
	// GoodSSID.
	ConnectErr error

	// GoodSSID, when set with ConnectErr, is the one network that still
	// associates.
	GoodSSID string

	// DisconnectErr, when non-nil, fails Disconnect.
	DisconnectErr error

	Connects    []string // SSIDs in attempt order.
	Disconnects int
}

// Connect records the attempt.
func (f *FakeLink) Connect(ssid, key string) error {
	f.Connects = append(f.Connects, ssid)
	if f.ConnectErr != nil && ssid != f.GoodSSID {
		return f.ConnectErr
	}
	return nil
}

// Disconnect records the call.
func (f *FakeLink) Disconnect() error {
	f.Disconnects++
	return f.DisconnectErr
}

// MAC returns the configured address.
func (f *FakeLink) MAC() string { return f.Addr }
