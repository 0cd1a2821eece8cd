package oplog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendWritesSentinelsOnce(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	l.SetRefTime(1700000000, 10)

	// First append to an empty file: exactly two sentinels, then the data.
	require.NoError(t, l.Append("A0", 512, l.Stamp(11)))

	records, err := l.ReadAll("A0")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, Record{VersionMarker, FormatVersion}, records[0])
	require.Equal(t, Record{TimeMarker, 1700000000}, records[1])
	require.Equal(t, Record{512, 1700000001}, records[2])

	// Second append to a non-empty file: only the data record.
	require.NoError(t, l.Append("A0", 513, l.Stamp(21)))

	records, err = l.ReadAll("A0")
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, Record{513, 1700000011}, records[3])
}

func TestAppendSeparateFilesPerPin(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Append("A0", 1, 100))
	require.NoError(t, l.Append("D2", 2, 100))

	a0, err := l.ReadAll("A0")
	require.NoError(t, err)
	d2, err := l.ReadAll("D2")
	require.NoError(t, err)
	require.Len(t, a0, 3)
	require.Len(t, d2, 3)
	require.Equal(t, int32(1), a0[2].Value)
	require.Equal(t, int32(2), d2[2].Value)
}

func TestStampWithoutRefTime(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	// Without a server reference, timestamps are raw uptime.
	require.Equal(t, uint32(42), l.Stamp(42))

	l.SetRefTime(1000, 40)
	require.Equal(t, uint32(1002), l.Stamp(42))
}

func TestReadAllMissingFile(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	records, err := l.ReadAll("A9")
	require.NoError(t, err)
	require.Empty(t, records)
}
