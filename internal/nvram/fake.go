package nvram

// FakeStorage is an in-memory Storage for tests.
type FakeStorage struct {
	// Cells holds the current cell contents.
	Cells map[string][]byte

	// ReadErr, if set, is returned by every Read.
	ReadErr error

	// WriteErr, if set, is returned by every Write.
	WriteErr error

	// Writes counts Write calls, including failed ones.
	Writes int
}

// NewFakeStorage creates an empty FakeStorage.
func NewFakeStorage() *FakeStorage {
	return &FakeStorage{Cells: make(map[string][]byte)}
}

// Read returns the scripted error or the cell contents.
func (s *FakeStorage) Read(cell string) ([]byte, error) {
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	return s.Cells[cell], nil
}

// Write returns the scripted error or records the cell contents.
func (s *FakeStorage) Write(cell string, data []byte) error {
	s.Writes++
	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.Cells[cell] = cp
	return nil
}
