package reader

import (
	"fmt"
	"sort"
	"sync"
)

// MockManager serves pre-built mock readers by name. Useful for tests and
// for running the terminal without hardware.
type MockManager struct {
	mu      sync.Mutex
	readers map[string]Reader
}

// NewMockManager creates an empty MockManager.
func NewMockManager() *MockManager {
	return &MockManager{readers: make(map[string]Reader)}
}

// AddReader makes r available through OpenReader under its name.
func (m *MockManager) AddReader(r Reader) {
	m.mu.Lock()
	m.readers[r.Name()] = r
	m.mu.Unlock()
}

func (m *MockManager) Driver() string {
	return "mock"
}

func (m *MockManager) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.readers))
	for name := range m.readers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockManager) OpenReader(name string) (Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.readers[name]
	if !ok {
		return nil, fmt.Errorf("mock reader %s not found", name)
	}
	return r, nil
}
