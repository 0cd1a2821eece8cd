package nvram

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStorage persists cells as files under a directory. Writes go to a
// temporary file first and are renamed into place, so a cell is never
// observed half-written after a power cycle.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed and returns the storage.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Read returns the cell contents, or empty if the cell has never been written.
func (s *FileStorage) Read(cell string) ([]byte, error) {
	data, err := os.ReadFile(s.path(cell))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cell %s: %w", cell, err)
	}
	return data, nil
}

// Write commits the cell contents.
func (s *FileStorage) Write(cell string, data []byte) error {
	tmp := s.path(cell) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cell %s: %w", cell, err)
	}
	if err := os.Rename(tmp, s.path(cell)); err != nil {
		return fmt.Errorf("commit cell %s: %w", cell, err)
	}
	return nil
}

func (s *FileStorage) path(cell string) string {
	return filepath.Join(s.dir, cell+".dat")
}
