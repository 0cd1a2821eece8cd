// Package pin provides the logical pin registry: parsing of configured pin
// lists, and per-cycle reads and writes dispatched by pin class to the
// appropriate collaborator. Pin classes are Analog, Digital, eXtended
// (protocol-internal registers or an externally-registered reader), Binary
// and Text (non-scalar payloads).
package pin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sweeney/device-agent/internal/config"
)

// NoReading is the value of a pin with no reading. Pins holding NoReading
// are omitted from requests and offline logs.
const NoReading = -1

// Pin is a logical input/output reference. Pins are constructed fresh from
// the configured name lists every cycle and never persisted.
type Pin struct {
	Name  string // Class letter plus 1-2 digit index, e.g. "A0", "D16", "X10".
	Value int    // Current value, or NoReading.
	Data  []byte // Optional non-scalar payload for binary/text pins.
}

// Index returns the pin's numeric index.
func (p *Pin) Index() int {
	n, _ := strconv.Atoi(p.Name[1:])
	return n
}

// Valid reports whether name matches the <class letter><1-2 digits> grammar.
func Valid(name string) bool {
	if len(name) < 2 || len(name) > 3 {
		return false
	}
	switch name[0] {
	case 'A', 'B', 'D', 'T', 'X':
	default:
		return false
	}
	for _, c := range name[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ParseList parses a comma-separated pin-name list, validating every token.
// It returns an error, not a partial list, if any token is invalid or the
// count exceeds the maximum. An empty list parses to nil. Order is preserved.
func ParseList(csv string) ([]Pin, error) {
	if csv == "" {
		return nil, nil
	}
	names := strings.Split(csv, ",")
	if len(names) > config.MaxPins {
		return nil, fmt.Errorf("pin list has %d pins, maximum is %d", len(names), config.MaxPins)
	}
	pins := make([]Pin, len(names))
	for i, name := range names {
		if !Valid(name) {
			return nil, fmt.Errorf("invalid pin name %q", name)
		}
		pins[i] = Pin{Name: name, Value: NoReading}
	}
	return pins, nil
}

// Join re-joins pin names into a comma-separated list, the inverse of
// ParseList.
func Join(pins []Pin) string {
	names := make([]string, len(pins))
	for i := range pins {
		names[i] = pins[i].Name
	}
	return strings.Join(names, ",")
}
