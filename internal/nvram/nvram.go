// Package nvram provides the non-volatile storage primitives used to persist
// the device configuration and the transport mode preference across restarts.
// Storage is addressed as named cells; the real implementation keeps one file
// per cell, the fake keeps cells in memory.
package nvram

// Cell names in use.
const (
	CellConfig = "config"
	CellMode   = "mode"
)

// Storage reads and writes named cells of bytes.
type Storage interface {
	// Read returns the current contents of the cell. A cell that has never
	// been written reads as empty, not as an error.
	Read(cell string) ([]byte, error)

	// Write replaces the cell contents in full. A reported success means the
	// data has been committed to the underlying medium.
	Write(cell string, data []byte) error
}
