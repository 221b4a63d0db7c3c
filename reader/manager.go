package reader

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Manager discovers and opens readers for one driver family. Names returned
// by ListReaders are stable for the lifetime of the physical reader and are
// valid arguments to OpenReader.
type Manager interface {
	// Driver returns the scheme this manager serves (e.g. "pcsc").
	Driver() string

	// ListReaders enumerates the readers currently attached.
	ListReaders() ([]string, error)

	// OpenReader connects to the named reader. The returned Reader is
	// exclusive to the caller until Unregister.
	OpenReader(name string) (Reader, error)
}

// MultiManager aggregates driver managers behind scheme-prefixed names
// ("pcsc:ACS ACR122U", "libnfc:pn532_uart:/dev/ttyUSB0"). An unprefixed
// name is tried against every driver in registration order.
type MultiManager struct {
	mu       sync.RWMutex
	managers []Manager
}

// NewMultiManager creates a MultiManager over the given driver managers.
func NewMultiManager(managers ...Manager) *MultiManager {
	return &MultiManager{managers: managers}
}

// Add registers another driver manager.
func (mm *MultiManager) Add(m Manager) {
	mm.mu.Lock()
	mm.managers = append(mm.managers, m)
	mm.mu.Unlock()
}

// Driver identifies the aggregate.
func (mm *MultiManager) Driver() string {
	return "multi"
}

// ListReaders enumerates readers across all drivers, each name prefixed
// with its driver scheme. A driver that fails to enumerate is skipped; the
// error surfaces only when every driver fails.
func (mm *MultiManager) ListReaders() ([]string, error) {
	mm.mu.RLock()
	managers := append([]Manager(nil), mm.managers...)
	mm.mu.RUnlock()

	var names []string
	var lastErr error
	failed := 0
	for _, m := range managers {
		list, err := m.ListReaders()
		if err != nil {
			lastErr = err
			failed++
			continue
		}
		for _, name := range list {
			names = append(names, m.Driver()+":"+name)
		}
	}
	if failed == len(managers) && lastErr != nil {
		return nil, fmt.Errorf("no driver could enumerate readers: %w", lastErr)
	}

	sort.Strings(names)
	return names, nil
}

// OpenReader opens a scheme-prefixed name via its driver, or tries every
// driver when the name carries no known scheme.
func (mm *MultiManager) OpenReader(name string) (Reader, error) {
	mm.mu.RLock()
	managers := append([]Manager(nil), mm.managers...)
	mm.mu.RUnlock()

	if scheme, rest, ok := strings.Cut(name, ":"); ok {
		for _, m := range managers {
			if m.Driver() == scheme {
				return m.OpenReader(rest)
			}
		}
	}

	var lastErr error
	for _, m := range managers {
		r, err := m.OpenReader(name)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no drivers available")
	}
	return nil, fmt.Errorf("open reader %s: %w", name, lastErr)
}
