package reader

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often a Monitor probes presence on readers
// without autonomous removal detection.
const DefaultPollInterval = 250 * time.Millisecond

// Monitor drives the card cycle for a single reader. It owns the state
// machine (NO_CARD, CARD_PRESENT, PROCESSING, REMOVED), emits insertion and
// removal events, and serializes all channel operations so the underlying
// driver never sees concurrent calls on the exchange path.
//
// Removal detection adapts to the reader: if the reader implements
// RemovalNotifier the driver pushes the signal, otherwise the monitor polls
// between exchanges and while the reader sits idle with a card present.
// Either way EventCardRemoved is delivered exactly once per insertion.
type Monitor struct {
	r            Reader
	clock        Clock
	pollInterval time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	state   CardState
	started bool

	events chan Event
	stop   chan struct{}
	done   chan struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock substitutes the monitor's time source.
func WithClock(c Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithPollInterval sets the presence polling interval.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.pollInterval = d }
}

// WithLogger sets the monitor's logger.
func WithLogger(log zerolog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// NewMonitor creates a Monitor for r. Start must be called before events
// are produced.
func NewMonitor(r Reader, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		r:            r,
		clock:        NewRealClock(),
		pollInterval: DefaultPollInterval,
		log:          zerolog.Nop(),
		state:        StateNoCard,
		events:       make(chan Event, 10),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the channel on which card-cycle events are delivered.
// Events are dropped, not blocked on, when the consumer falls behind.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// State returns the current card-cycle state.
func (m *Monitor) State() CardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reader returns the reader this monitor drives.
func (m *Monitor) Reader() Reader {
	return m.r
}

// Start begins presence monitoring. On readers with autonomous removal
// detection the driver's handler is registered here; polling still runs for
// insertion detection, which is always poll-based.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if notifier, ok := m.r.(RemovalNotifier); ok {
		notifier.SetCardRemovedHandler(m.onCardRemoved)
		m.log.Debug().Str("reader", m.r.Name()).Msg("autonomous removal detection armed")
	}

	go m.watch()
}

// Stop halts monitoring. The event channel stays open so a late driver
// signal can never panic a send; consumers stop reading instead. Safe to
// call once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stop)
	<-m.done

	if notifier, ok := m.r.(RemovalNotifier); ok {
		notifier.SetCardRemovedHandler(nil)
	}
}

func (m *Monitor) watch() {
	defer close(m.done)

	ticker := m.clock.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
			m.poll()
		}
	}
}

// poll runs one presence check appropriate to the current state. During
// PROCESSING the exchange path owns presence checking, and in REMOVED the
// cycle waits for Acknowledge, so both are skipped here.
func (m *Monitor) poll() {
	switch m.State() {
	case StateNoCard:
		present, err := m.r.CheckCardPresence()
		if err != nil {
			m.emitError(err)
			return
		}
		if present {
			m.transitionInserted()
		}
	case StateCardPresent:
		present, err := m.r.CheckCardPresence()
		if err != nil {
			m.emitError(err)
			return
		}
		if !present {
			m.transitionRemoved()
		}
	}
}

// BeginTransaction opens the physical channel and moves to PROCESSING. It
// fails with a no-card error unless a card is present and idle. The monitor
// lock is not held across the driver call, so an autonomous removal landing
// mid-open is observed afterwards.
func (m *Monitor) BeginTransaction() error {
	m.mu.Lock()
	if m.state != StateCardPresent {
		state := m.state
		m.mu.Unlock()
		m.log.Debug().Str("reader", m.r.Name()).Stringer("state", state).Msg("transaction refused")
		return NewNoCardError("BeginTransaction", m.r.Name())
	}
	m.state = StateProcessing
	m.mu.Unlock()

	if err := m.r.OpenPhysicalChannel(); err != nil {
		m.mu.Lock()
		// A removal may have raced the open; only roll back if the cycle
		// still thinks a transaction is running.
		if m.state == StateProcessing {
			m.state = StateCardPresent
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Transmit performs one APDU exchange within a transaction. On readers
// without autonomous removal detection a presence check follows the
// exchange, so a card pulled mid-transaction is detected here.
func (m *Monitor) Transmit(apduIn []byte) ([]byte, error) {
	if m.State() != StateProcessing {
		return nil, NewChannelClosedError("Transmit", m.r.Name())
	}

	resp, err := m.r.TransmitAPDU(apduIn)

	if !SupportsAutonomousRemoval(m.r) {
		present, perr := m.r.CheckCardPresence()
		switch {
		case perr != nil:
			m.emitError(perr)
		case !present:
			m.transitionRemoved()
		}
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// EndTransaction closes the physical channel and returns to CARD_PRESENT.
// If the card was removed during the transaction the REMOVED state is kept.
func (m *Monitor) EndTransaction() error {
	err := m.r.ClosePhysicalChannel()

	m.mu.Lock()
	if m.state == StateProcessing {
		m.state = StateCardPresent
	}
	m.mu.Unlock()
	return err
}

// Acknowledge completes a removal cycle, returning the reader to NO_CARD so
// the next insertion can be detected.
func (m *Monitor) Acknowledge() {
	m.mu.Lock()
	if m.state == StateRemoved {
		m.state = StateNoCard
	}
	m.mu.Unlock()
}

// onCardRemoved is the handler registered with autonomous readers. The
// driver calls it from its own goroutine; it must never block.
func (m *Monitor) onCardRemoved() {
	m.transitionRemoved()
}

func (m *Monitor) transitionInserted() {
	m.mu.Lock()
	if m.state != StateNoCard {
		m.mu.Unlock()
		return
	}
	m.state = StateCardPresent
	m.mu.Unlock()

	m.log.Info().Str("reader", m.r.Name()).Msg("card inserted")
	m.emit(Event{
		Type:        EventCardInserted,
		Reader:      m.r.Name(),
		PowerOnData: m.r.PowerOnData(),
		Timestamp:   m.clock.Now(),
	})
}

// transitionRemoved moves to REMOVED and emits the removal event. Guarding
// on the source states makes the event exactly-once per insertion even when
// the poll path and an autonomous signal race.
func (m *Monitor) transitionRemoved() {
	m.mu.Lock()
	if m.state != StateCardPresent && m.state != StateProcessing {
		m.mu.Unlock()
		return
	}
	wasProcessing := m.state == StateProcessing
	m.state = StateRemoved
	m.mu.Unlock()

	if wasProcessing {
		// Channel close is idempotent; releasing driver resources here
		// keeps a later EndTransaction harmless.
		_ = m.r.ClosePhysicalChannel()
	}

	m.log.Info().Str("reader", m.r.Name()).Msg("card removed")
	m.emit(Event{
		Type:      EventCardRemoved,
		Reader:    m.r.Name(),
		Timestamp: m.clock.Now(),
	})
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Str("reader", m.r.Name()).Stringer("event", ev.Type).Msg("event channel full, dropping")
	}
}

func (m *Monitor) emitError(err error) {
	m.log.Warn().Str("reader", m.r.Name()).Err(err).Msg("presence check failed")
	m.emit(Event{
		Type:      EventMonitorError,
		Reader:    m.r.Name(),
		Err:       err,
		Timestamp: m.clock.Now(),
	})
}
