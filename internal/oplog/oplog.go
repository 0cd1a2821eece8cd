// Package oplog implements the offline transport's local binary log: one
// append-only file per logical pin, holding fixed-width (value, timestamp)
// records. A non-empty file always begins with two sentinel records carrying
// the format version and the reference time the timestamps are based on.
package oplog

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// FormatVersion is written in the version sentinel of every new file.
const FormatVersion = 1

// Sentinel values. Both lie outside the legal pin-value range (logged values
// are never negative), so header records are distinguishable from data
// records on read-back.
const (
	VersionMarker int32 = math.MinInt32
	TimeMarker    int32 = math.MinInt32 + 1
)

// recordSize is the fixed on-disk record width: int32 value plus uint32
// timestamp, little-endian.
const recordSize = 8

// Record is one (value, timestamp) pair.
type Record struct {
	Value int32
	Time  uint32
}

// Log appends pin readings to per-pin files under a directory.
type Log struct {
	dir     string
	refTime uint32 // Server-supplied reference timestamp, 0 if never seeded.
	refAt   uint32 // Uptime seconds at which refTime was received.
}

// New creates the log directory if needed.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// SetRefTime seeds the log's time base from a server-supplied reference
// timestamp received at the given device uptime (seconds).
func (l *Log) SetRefTime(ts, uptime uint32) {
	l.refTime = ts
	l.refAt = uptime
}

// RefTime returns the current reference timestamp, or 0 if never seeded.
func (l *Log) RefTime() uint32 {
	return l.refTime
}

// Stamp converts a device uptime (seconds) to a log timestamp. Without a
// reference time, timestamps are raw uptime.
func (l *Log) Stamp(uptime uint32) uint32 {
	if l.refTime == 0 {
		return uptime
	}
	return l.refTime + (uptime - l.refAt)
}

// Append appends one data record for the pin, writing the two sentinel
// records first if the file is empty.
func (l *Log) Append(pinName string, value int32, ts uint32) error {
	f, err := os.OpenFile(l.path(pinName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pin log %s: %w", pinName, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat pin log %s: %w", pinName, err)
	}
	if info.Size() == 0 {
		if err := writeRecord(f, Record{VersionMarker, FormatVersion}); err != nil {
			return fmt.Errorf("write version sentinel: %w", err)
		}
		if err := writeRecord(f, Record{TimeMarker, l.refTime}); err != nil {
			return fmt.Errorf("write time sentinel: %w", err)
		}
	}
	if err := writeRecord(f, Record{value, ts}); err != nil {
		return fmt.Errorf("append to pin log %s: %w", pinName, err)
	}
	return nil
}

// ReadAll returns every record in the pin's file, sentinels included.
// A missing file reads as empty.
func (l *Log) ReadAll(pinName string) ([]Record, error) {
	data, err := os.ReadFile(l.path(pinName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pin log %s: %w", pinName, err)
	}
	if len(data)%recordSize != 0 {
		return nil, fmt.Errorf("pin log %s is corrupt: %d bytes", pinName, len(data))
	}
	records := make([]Record, len(data)/recordSize)
	for i := range records {
		off := i * recordSize
		records[i].Value = int32(binary.LittleEndian.Uint32(data[off:]))
		records[i].Time = binary.LittleEndian.Uint32(data[off+4:])
	}
	return records, nil
}

func (l *Log) path(pinName string) string {
	return filepath.Join(l.dir, pinName+".bin")
}

func writeRecord(f *os.File, r Record) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Value))
	binary.LittleEndian.PutUint32(buf[4:], r.Time)
	_, err := f.Write(buf[:])
	return err
}
