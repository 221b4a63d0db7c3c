package reader

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry tracks the readers currently in service, keyed by their stable
// names, and owns one Monitor per reader. Registration starts monitoring;
// unregistration stops it and withdraws the reader.
type Registry struct {
	log zerolog.Logger

	mu       sync.RWMutex
	monitors map[string]*Monitor
	opts     []MonitorOption
}

// NewRegistry creates an empty Registry. opts are applied to every monitor
// it creates.
func NewRegistry(log zerolog.Logger, opts ...MonitorOption) *Registry {
	return &Registry{
		log:      log,
		monitors: make(map[string]*Monitor),
		opts:     opts,
	}
}

// Register adds r under its name and starts monitoring it. Registering a
// name already in service is an error.
func (reg *Registry) Register(r Reader) (*Monitor, error) {
	name := r.Name()

	reg.mu.Lock()
	if _, exists := reg.monitors[name]; exists {
		reg.mu.Unlock()
		return nil, fmt.Errorf("reader %s is already registered", name)
	}
	opts := append([]MonitorOption{WithLogger(reg.log)}, reg.opts...)
	m := NewMonitor(r, opts...)
	reg.monitors[name] = m
	reg.mu.Unlock()

	m.Start()
	reg.log.Info().Str("reader", name).Bool("contactless", r.IsContactless()).Msg("reader registered")
	return m, nil
}

// Unregister stops monitoring name and withdraws the reader from service.
// The reader's own Unregister releases driver resources; its error is
// returned but the reader is removed from the registry regardless.
func (reg *Registry) Unregister(name string) error {
	reg.mu.Lock()
	m, ok := reg.monitors[name]
	if !ok {
		reg.mu.Unlock()
		return fmt.Errorf("reader %s is not registered", name)
	}
	delete(reg.monitors, name)
	reg.mu.Unlock()

	m.Stop()
	err := m.Reader().Unregister()
	reg.log.Info().Str("reader", name).Msg("reader unregistered")
	return err
}

// Monitor returns the monitor for name, or false if not registered.
func (reg *Registry) Monitor(name string) (*Monitor, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	m, ok := reg.monitors[name]
	return m, ok
}

// Names returns the registered reader names, sorted.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	names := make([]string, 0, len(reg.monitors))
	for name := range reg.monitors {
		names = append(names, name)
	}
	reg.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Capabilities reports the capabilities of every registered reader, sorted
// by name.
func (reg *Registry) Capabilities() []Capabilities {
	var caps []Capabilities
	for _, name := range reg.Names() {
		if m, ok := reg.Monitor(name); ok {
			caps = append(caps, BuildCapabilities(m.Reader()))
		}
	}
	return caps
}

// Close unregisters every reader. Errors are logged, not returned; shutdown
// proceeds past a faulting driver.
func (reg *Registry) Close() {
	for _, name := range reg.Names() {
		if err := reg.Unregister(name); err != nil {
			reg.log.Warn().Str("reader", name).Err(err).Msg("unregister failed during shutdown")
		}
	}
}
