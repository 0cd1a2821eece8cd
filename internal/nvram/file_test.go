package nvram

import (
	"bytes"
	"testing"
)

func TestFileStorageRoundTrip(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Unwritten cell reads as empty, not an error.
	data, err := s.Read(CellConfig)
	if err != nil {
		t.Fatalf("read unwritten cell: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("unwritten cell not empty: %v", data)
	}

	want := []byte{0x01, 0x02, 0x03}
	if err := s.Write(CellConfig, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Read(CellConfig)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read = %v, want %v", got, want)
	}
}

func TestFileStorageOverwrite(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Write(CellMode, []byte("Online")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(CellMode, []byte("Offline")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := s.Read(CellMode)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "Offline" {
		t.Errorf("read = %q, want %q", got, "Offline")
	}
}
