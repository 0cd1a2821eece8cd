// Package config implements the device's persisted configuration record:
// a fixed-layout blob holding the protocol version, duty-cycle periods, boot
// reason, network credentials, device key, pin lists and persistent
// variables. The byte-for-byte layout is a contract; field order and sizes
// must not change within a major-version band.
package config

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Version is the running protocol version. The version band (Version/10)
// gates blob compatibility: a stored record from a different band is zeroed
// and re-stamped on load rather than partially migrated.
const Version = 180

// Blob layout sizes in bytes.
const (
	WifiSize     = 80 // WiFi credentials as "ssid,key".
	DKeySize     = 32 // Device key.
	PinSize      = 4  // One pin name, NUL-padded.
	MaxPins      = 20 // Maximum pins per input/output list.
	IOSize       = MaxPins * PinSize
	ReservedSize = 80 // Trailing padding reserved for forward compatibility.

	// BlobSize is the total persisted record size.
	BlobSize = 8 + WifiSize + DKeySize + 2*IOSize + 2*MaxVars + ReservedSize
)

// RetryPeriod is the floor, in seconds, applied to a zero monitor period,
// and the pause between retries after a failed cycle.
const RetryPeriod = 5

// BootReason records why the device last restarted.
type BootReason int16

const (
	BootNormal BootReason = 0x00 // Normal restart (operator or server requested).
	BootWiFi   BootReason = 0x01 // Failure to cleanly tear down the network link.
	BootAlarm  BootReason = 0x02 // Alarm auto-restart.
	BootClear  BootReason = 0x03 // Transient post-alarm state; never persisted.
)

// Persistent variable indexes. Order is fixed: it matches VarNames and the
// order the variables occupy in the blob.
const (
	VarLogLevel = iota
	VarPulses
	VarPulseWidth
	VarPulseDutyCycle
	VarPulseCycle
	VarAutoRestart
	VarAlarmPeriod
	VarAlarmNetwork
	VarAlarmVoltage
	VarAlarmRecoveryVoltage
	VarPeakVoltage
	VarHeartbeatPeriod
	MaxVars
)

// VarNames maps variable indexes to their wire names.
var VarNames = [MaxVars]string{
	"LogLevel",
	"Pulses",
	"PulseWidth",
	"PulseDutyCycle",
	"PulseCycle",
	"AutoRestart",
	"AlarmPeriod",
	"AlarmNetwork",
	"AlarmVoltage",
	"AlarmRecoveryVoltage",
	"PeakVoltage",
	"HeartbeatPeriod",
}

// Defaults for variables that must not be zero.
const (
	DefaultPeakVoltage     = 845 // Approximately 25.6V.
	DefaultAutoRestart     = 600 // Seconds alarmed before automatic restart.
	DefaultHeartbeatPeriod = 300 // Seconds between offline heartbeats.
)

// VarTypes describes the variable types to the service. It is sent as the
// payload of the synthetic "vt" pin with every config request.
const VarTypes = `{"LogLevel":"uint", "Pulses":"uint", "PulseWidth":"uint", "PulseDutyCycle":"uint", "PulseCycle":"uint", "AutoRestart":"uint", "AlarmPeriod":"uint", "AlarmNetwork":"uint", "AlarmVoltage":"uint", "AlarmRecoveryVoltage":"uint", "PeakVoltage":"uint", "HeartbeatPeriod":"uint", "Alarm":"bool", "Power1":"bool", "Power2":"bool", "Power3":"bool", "PulseSuppress":"bool"}`

// Configuration is the single persisted record. Strings longer than their
// blob fields are truncated on encode.
type Configuration struct {
	Version   int16
	MonPeriod int16 // Monitor (full duty cycle) period in seconds.
	ActPeriod int16 // Act (active portion) period in seconds.
	Boot      BootReason
	Wifi      string // "ssid,key"
	DKey      string
	Inputs    string // Comma-separated input pin names.
	Outputs   string // Comma-separated output pin names.
	Vars      [MaxVars]int16
}

// Encode serializes the configuration to its fixed blob layout.
func (c *Configuration) Encode() []byte {
	buf := make([]byte, BlobSize)
	le := binary.LittleEndian
	le.PutUint16(buf[0:], uint16(c.Version))
	le.PutUint16(buf[2:], uint16(c.MonPeriod))
	le.PutUint16(buf[4:], uint16(c.ActPeriod))
	le.PutUint16(buf[6:], uint16(c.Boot))
	off := 8
	off += putPadded(buf[off:], c.Wifi, WifiSize)
	off += putPadded(buf[off:], c.DKey, DKeySize)
	off += putPadded(buf[off:], c.Inputs, IOSize)
	off += putPadded(buf[off:], c.Outputs, IOSize)
	for _, v := range c.Vars {
		le.PutUint16(buf[off:], uint16(v))
		off += 2
	}
	// The remainder is reserved padding, already zero.
	return buf
}

// Decode deserializes a fixed blob into the configuration.
func (c *Configuration) Decode(blob []byte) error {
	if len(blob) != BlobSize {
		return fmt.Errorf("config blob is %d bytes, want %d", len(blob), BlobSize)
	}
	le := binary.LittleEndian
	c.Version = int16(le.Uint16(blob[0:]))
	c.MonPeriod = int16(le.Uint16(blob[2:]))
	c.ActPeriod = int16(le.Uint16(blob[4:]))
	c.Boot = BootReason(le.Uint16(blob[6:]))
	off := 8
	c.Wifi = trimPadding(blob[off : off+WifiSize])
	off += WifiSize
	c.DKey = trimPadding(blob[off : off+DKeySize])
	off += DKeySize
	c.Inputs = trimPadding(blob[off : off+IOSize])
	off += IOSize
	c.Outputs = trimPadding(blob[off : off+IOSize])
	off += IOSize
	for i := range c.Vars {
		c.Vars[i] = int16(le.Uint16(blob[off:]))
		off += 2
	}
	return nil
}

// ApplyVarDefaults substitutes defaults for variables that must not be zero
// and clamps the alarm voltages to the peak voltage. It returns true if any
// value changed.
func ApplyVarDefaults(vars *[MaxVars]int16) bool {
	changed := false
	set := func(idx int, v int16) {
		if vars[idx] != v {
			vars[idx] = v
			changed = true
		}
	}
	if vars[VarPeakVoltage] == 0 {
		set(VarPeakVoltage, DefaultPeakVoltage)
	}
	if vars[VarAutoRestart] == 0 {
		set(VarAutoRestart, DefaultAutoRestart)
	}
	if vars[VarHeartbeatPeriod] == 0 {
		set(VarHeartbeatPeriod, DefaultHeartbeatPeriod)
	}
	if vars[VarAlarmVoltage] > vars[VarPeakVoltage] {
		set(VarAlarmVoltage, vars[VarPeakVoltage])
	}
	if vars[VarAlarmRecoveryVoltage] > vars[VarPeakVoltage] {
		set(VarAlarmRecoveryVoltage, vars[VarPeakVoltage])
	}
	return changed
}

// putPadded copies s into dst[:size], NUL-padded, truncating if necessary.
// It returns size.
func putPadded(dst []byte, s string, size int) int {
	if len(s) > size-1 {
		s = s[:size-1] // always leave at least one NUL
	}
	copy(dst, s)
	for i := len(s); i < size; i++ {
		dst[i] = 0
	}
	return size
}

// trimPadding returns the string up to the first NUL.
func trimPadding(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
