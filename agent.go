package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solenoid-labs/cardterm/reader"
	"github.com/solenoid-labs/cardterm/server"
)

// readerScanInterval is how often the agent rescans drivers for attached
// and detached readers.
const readerScanInterval = 2 * time.Second

// AgentConfig configures the terminal agent.
type AgentConfig struct {
	Port         int
	APISecret    string
	PollInterval time.Duration
	UseMock      bool // Serve a simulated reader instead of requiring hardware
	Log          zerolog.Logger
}

// Agent wires drivers, the reader registry and the API server together and
// keeps the registry in sync with the readers physically attached.
type Agent struct {
	log      zerolog.Logger
	config   AgentConfig
	manager  *reader.MultiManager
	registry *reader.Registry
	server   *server.Server
	pcsc     *reader.PCSCManager

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewAgent creates an Agent. Drivers are probed at Start.
func NewAgent(config AgentConfig) *Agent {
	return &Agent{
		log:    config.Log,
		config: config,
	}
}

// Registry exposes the reader registry for UI surfaces.
func (a *Agent) Registry() *reader.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry
}

// Start brings up the drivers, the server and the discovery loop.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	a.manager = reader.NewMultiManager()

	if pcsc, err := reader.NewPCSCManager(); err != nil {
		a.log.Warn().Err(err).Msg("PC/SC unavailable, driver skipped")
	} else {
		a.pcsc = pcsc
		a.manager.Add(pcsc)
	}
	a.manager.Add(reader.NewLibnfcManager())

	if a.config.UseMock {
		mocks := reader.NewMockManager()
		mocks.AddReader(reader.NewMockNotifierReader("sim-0"))
		a.manager.Add(mocks)
		a.log.Info().Msg("simulated reader enabled")
	}

	var monOpts []reader.MonitorOption
	if a.config.PollInterval > 0 {
		monOpts = append(monOpts, reader.WithPollInterval(a.config.PollInterval))
	}
	a.registry = reader.NewRegistry(a.log, monOpts...)

	a.server = server.New(server.Config{
		Registry:  a.registry,
		Port:      a.config.Port,
		APISecret: a.config.APISecret,
		Log:       a.log,
	})
	if err := a.server.Start(); err != nil {
		return err
	}

	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.discoverLoop()

	a.running = true
	return nil
}

// Stop shuts everything down: discovery, server, then the readers.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stop)
	<-a.done

	a.server.Stop()
	a.registry.Close()

	if a.pcsc != nil {
		if err := a.pcsc.Close(); err != nil {
			a.log.Warn().Err(err).Msg("PC/SC context release failed")
		}
		a.pcsc = nil
	}
	a.log.Info().Msg("agent stopped")
}

// discoverLoop keeps the registry aligned with the attached readers.
func (a *Agent) discoverLoop() {
	defer close(a.done)

	a.syncReaders()

	ticker := time.NewTicker(readerScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.syncReaders()
		}
	}
}

func (a *Agent) syncReaders() {
	names, err := a.manager.ListReaders()
	if err != nil {
		a.log.Warn().Err(err).Msg("reader enumeration failed")
		return
	}

	attached := make(map[string]bool, len(names))
	for _, name := range names {
		attached[name] = true
	}

	// Withdraw readers that disappeared.
	for _, name := range a.registry.Names() {
		if !attached[name] {
			a.log.Info().Str("reader", name).Msg("reader detached")
			if err := a.registry.Unregister(name); err != nil {
				a.log.Warn().Str("reader", name).Err(err).Msg("unregister failed")
			}
		}
	}

	// Register newly attached readers.
	for _, name := range names {
		if _, ok := a.registry.Monitor(name); ok {
			continue
		}
		r, err := a.manager.OpenReader(name)
		if err != nil {
			a.log.Warn().Str("reader", name).Err(err).Msg("open failed")
			continue
		}
		m, err := a.registry.Register(wrapWithName(r, name))
		if err != nil {
			a.log.Warn().Str("reader", name).Err(err).Msg("register failed")
			continue
		}
		a.server.AttachMonitor(m)
	}
}

// namedReader overlays the scheme-prefixed discovery name onto the driver
// reader so registry names match enumeration names across drivers.
type namedReader struct {
	reader.Reader
	name string
}

func (n *namedReader) Name() string {
	return n.name
}

// DriverType is forwarded for capability reporting.
func (n *namedReader) DriverType() string {
	if info, ok := n.Reader.(reader.InfoProvider); ok {
		return info.DriverType()
	}
	return "unknown"
}

// namedNotifierReader additionally forwards the removal handler. Kept as a
// separate type so wrapping a polling reader does not make it look
// autonomous to capability probing.
type namedNotifierReader struct {
	namedReader
	notifier reader.RemovalNotifier
}

func (n *namedNotifierReader) SetCardRemovedHandler(fn func()) {
	n.notifier.SetCardRemovedHandler(fn)
}

func wrapWithName(r reader.Reader, name string) reader.Reader {
	named := namedReader{Reader: r, name: name}
	if notifier, ok := r.(reader.RemovalNotifier); ok {
		return &namedNotifierReader{namedReader: named, notifier: notifier}
	}
	return &named
}
