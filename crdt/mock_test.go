package crdt

// MockedEntry is a test-only implementation of the Entry interface.
type MockedEntry struct {
	ID          string
	LastAdded   int64
	LastDeleted int64
}

func (m *MockedEntry) GetID() string         { return m.ID }
func (m *MockedEntry) GetLastAdded() int64   { return m.LastAdded }
func (m *MockedEntry) GetLastDeleted() int64 { return m.LastDeleted }
