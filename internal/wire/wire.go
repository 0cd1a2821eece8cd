// Package wire implements the request/response wire protocol codec: building
// request paths with deterministically ordered query parameters, and
// extracting fields from the service's flat JSON-like response bodies.
package wire

import (
	"fmt"
	"strings"

	"github.com/sweeney/device-agent/internal/pin"
)

// RequestType identifies one of the four request kinds.
type RequestType int

const (
	RequestConfig RequestType = iota
	RequestPoll
	RequestAct
	RequestVars
)

// Endpoint returns the request path prefix for the kind.
func (r RequestType) Endpoint() string {
	switch r {
	case RequestConfig:
		return "/config"
	case RequestPoll:
		return "/poll"
	case RequestAct:
		return "/act"
	case RequestVars:
		return "/vars"
	}
	return ""
}

func (r RequestType) String() string {
	return strings.TrimPrefix(r.Endpoint(), "/")
}

// Service response codes carried in the "rc" field.
const (
	RcOK      = 0
	RcUpdate  = 1
	RcReboot  = 2
	RcDebug   = 3
	RcUpgrade = 4
	RcAlarm   = 5
	RcTest    = 6
)

// AlwaysSendPin is sent even when its value is negative; every other pin
// with a negative value is omitted from the request.
const AlwaysSendPin = "X10"

// Identity identifies the device to the service.
type Identity struct {
	Version int    // Protocol version (vn).
	MAC     string // Formatted hardware address (ma).
	DKey    string // Device key (dk).
}

// BuildPath builds the request path and POST body for the given kind.
// Query parameter order is a contract: vn, ma, dk, ut, then md and er (when
// non-empty, config requests only), then one parameter per pin in list
// order. Pins with negative values are omitted, except AlwaysSendPin.
// Binary payloads of pins with positive values are concatenated into the
// body; an empty body means the request is a GET.
func BuildPath(kind RequestType, id Identity, uptime uint32, mode, errStr string, pins []pin.Pin) (string, []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s?vn=%d&ma=%s&dk=%s&ut=%d", kind.Endpoint(), id.Version, id.MAC, id.DKey, uptime)
	if kind == RequestConfig {
		if mode != "" {
			fmt.Fprintf(&b, "&md=%s", mode)
		}
		if errStr != "" {
			fmt.Fprintf(&b, "&er=%s", errStr)
		}
	}

	var body []byte
	for i := range pins {
		p := &pins[i]
		if p.Value < 0 && p.Name != AlwaysSendPin {
			continue
		}
		fmt.Fprintf(&b, "&%s=%d", p.Name, p.Value)
		if p.Data != nil && p.Value > 0 {
			body = append(body, p.Data...)
		}
	}
	return b.String(), body
}

// ExtractField locates the named field in a flat response body and returns
// its raw value: the digit run of a signed integer, or the contents of a
// quoted string. The second return is false if the field is absent or its
// value is neither form. This is deliberately not a general JSON parser:
// nested objects, escaped quotes and arrays are unsupported, matching the
// service's flat response grammar.
func ExtractField(body, name string) (string, bool) {
	idx := strings.Index(body, `"`+name+`"`)
	if idx < 0 {
		return "", false
	}
	i := idx + len(name) + 2
	for i < len(body) && body[i] == ' ' {
		i++
	}
	if i >= len(body) || body[i] != ':' {
		return "", false
	}
	i++
	for i < len(body) && body[i] == ' ' {
		i++
	}
	if i >= len(body) {
		return "", false
	}
	switch c := body[i]; {
	case c == '-' || (c >= '0' && c <= '9'):
		start := i
		i++
		for i < len(body) && body[i] >= '0' && body[i] <= '9' {
			i++
		}
		return body[start:i], true
	case c == '"':
		i++
		end := strings.IndexByte(body[i:], '"')
		if end < 0 {
			return "", false
		}
		return body[i : i+end], true
	}
	return "", false
}
