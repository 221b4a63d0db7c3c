package reader

import (
	"errors"
	"testing"
	"time"
)

// advanceUntilEvent ticks the fake clock until the monitor delivers an
// event of the wanted type. Fails the test if it never arrives.
func advanceUntilEvent(t *testing.T, fc *FakeClock, m *Monitor, want EventType) Event {
	t.Helper()

	for i := 0; i < 100; i++ {
		fc.Advance(DefaultPollInterval)
		select {
		case ev := <-m.Events():
			if ev.Type == want {
				return ev
			}
			t.Fatalf("Unexpected event %v while waiting for %v", ev.Type, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatalf("Timeout waiting for %v event", want)
	return Event{}
}

// expectNoEvent asserts the monitor stays quiet through several polls.
func expectNoEvent(t *testing.T, fc *FakeClock, m *Monitor) {
	t.Helper()

	for i := 0; i < 5; i++ {
		fc.Advance(DefaultPollInterval)
		select {
		case ev := <-m.Events():
			t.Fatalf("Unexpected event %v", ev.Type)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMonitor_DetectsInsertion(t *testing.T) {
	fc := NewFakeClock(time.Now())
	r := NewMockReader("mock-0")
	m := NewMonitor(r, WithClock(fc))
	m.Start()
	defer m.Stop()

	expectNoEvent(t, fc, m)

	atr := []byte{0x3B, 0x8F, 0x80, 0x01}
	r.InsertCard(atr, ProtocolISO14443_4)

	ev := advanceUntilEvent(t, fc, m, EventCardInserted)
	if ev.Reader != "mock-0" {
		t.Errorf("Event reader = %s, want mock-0", ev.Reader)
	}
	if m.State() != StateCardPresent {
		t.Errorf("State = %v, want CARD_PRESENT", m.State())
	}
}

func TestMonitor_PollingRemovalWhileIdle(t *testing.T) {
	fc := NewFakeClock(time.Now())
	r := NewMockReader("mock-0")
	m := NewMonitor(r, WithClock(fc))
	m.Start()
	defer m.Stop()

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	advanceUntilEvent(t, fc, m, EventCardInserted)

	r.RemoveCard()
	advanceUntilEvent(t, fc, m, EventCardRemoved)

	if m.State() != StateRemoved {
		t.Errorf("State = %v, want REMOVED", m.State())
	}

	// No second removal event for the same withdrawal.
	expectNoEvent(t, fc, m)

	m.Acknowledge()
	if m.State() != StateNoCard {
		t.Errorf("State after acknowledge = %v, want NO_CARD", m.State())
	}
}

func TestMonitor_TransactionFlow(t *testing.T) {
	fc := NewFakeClock(time.Now())
	r := NewMockReader("mock-0")
	r.TransceiveResponse = []byte{0x90, 0x00}
	m := NewMonitor(r, WithClock(fc))
	m.Start()
	defer m.Stop()

	// No card yet: transactions are refused.
	if err := m.BeginTransaction(); GetErrorCode(err) != ErrCodeNoCard {
		t.Fatalf("Expected no-card error, got %v", err)
	}

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	advanceUntilEvent(t, fc, m, EventCardInserted)

	if err := m.BeginTransaction(); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if m.State() != StateProcessing {
		t.Errorf("State = %v, want PROCESSING", m.State())
	}
	if !r.IsPhysicalChannelOpen() {
		t.Error("Channel should be open during transaction")
	}

	resp, err := m.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	if err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if len(resp) != 2 {
		t.Errorf("Response = %X, want status word only", resp)
	}

	if err := m.EndTransaction(); err != nil {
		t.Fatalf("EndTransaction failed: %v", err)
	}
	if m.State() != StateCardPresent {
		t.Errorf("State = %v, want CARD_PRESENT", m.State())
	}
	if r.IsPhysicalChannelOpen() {
		t.Error("Channel should be closed after transaction")
	}
}

func TestMonitor_PollingRemovalDuringProcessing(t *testing.T) {
	fc := NewFakeClock(time.Now())
	r := NewMockReader("mock-0")
	r.TransceiveResponse = []byte{0x90, 0x00}
	m := NewMonitor(r, WithClock(fc))
	m.Start()
	defer m.Stop()

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	advanceUntilEvent(t, fc, m, EventCardInserted)

	if err := m.BeginTransaction(); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}

	// Card pulled mid-transaction. The check after the next exchange must
	// catch it.
	r.RemoveCard()

	_, _ = m.Transmit([]byte{0x00, 0xB0, 0x00, 0x00})

	select {
	case ev := <-m.Events():
		if ev.Type != EventCardRemoved {
			t.Fatalf("Expected removal event, got %v", ev.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for removal event")
	}

	if m.State() != StateRemoved {
		t.Errorf("State = %v, want REMOVED", m.State())
	}

	// Further exchanges are refused and no duplicate event appears.
	if _, err := m.Transmit([]byte{0x00}); !IsChannelClosedError(err) {
		t.Errorf("Expected channel-closed error after removal, got %v", err)
	}
	expectNoEvent(t, fc, m)
}

func TestMonitor_TransmitSurfacesPresenceCheckFault(t *testing.T) {
	fc := NewFakeClock(time.Now())
	r := NewMockReader("mock-0")
	r.TransceiveResponse = []byte{0x90, 0x00}
	m := NewMonitor(r, WithClock(fc))
	m.Start()
	defer m.Stop()

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	advanceUntilEvent(t, fc, m, EventCardInserted)

	if err := m.BeginTransaction(); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}

	// The exchange itself succeeds, but the presence check between
	// exchanges hits a reader-link fault.
	r.PresenceError = NewReaderIOError("CheckCardPresence", "mock-0", errors.New("usb stall"))

	resp, err := m.Transmit([]byte{0x00, 0xB0, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if len(resp) != 2 {
		t.Errorf("Response = %X, want status word only", resp)
	}

	select {
	case ev := <-m.Events():
		if ev.Type != EventMonitorError {
			t.Fatalf("Expected monitor error event, got %v", ev.Type)
		}
		if !IsReaderIOError(ev.Err) {
			t.Errorf("Event error = %v, want reader-link failure", ev.Err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for monitor error event")
	}

	// A failed check is not a removal; the transaction stays live.
	if m.State() != StateProcessing {
		t.Errorf("State = %v, want PROCESSING", m.State())
	}
}

func TestMonitor_AutonomousRemovalExactlyOnce(t *testing.T) {
	fc := NewFakeClock(time.Now())
	r := NewMockNotifierReader("mock-auto")
	r.TransceiveResponse = []byte{0x90, 0x00}
	m := NewMonitor(r, WithClock(fc))
	m.Start()
	defer m.Stop()

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	advanceUntilEvent(t, fc, m, EventCardInserted)

	if err := m.BeginTransaction(); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}

	// The driver pushes the removal; no poll is involved.
	r.RemoveCard()

	select {
	case ev := <-m.Events():
		if ev.Type != EventCardRemoved {
			t.Fatalf("Expected removal event, got %v", ev.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for pushed removal event")
	}

	if m.State() != StateRemoved {
		t.Errorf("State = %v, want REMOVED", m.State())
	}
	if r.IsPhysicalChannelOpen() {
		t.Error("Channel should have been released on removal")
	}

	// A second withdrawal signal or further polls must not duplicate the
	// event.
	r.RemoveCard()
	expectNoEvent(t, fc, m)

	// The cycle restarts cleanly.
	m.Acknowledge()
	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	advanceUntilEvent(t, fc, m, EventCardInserted)
}

func TestMonitor_StopClearsAutonomousHandler(t *testing.T) {
	fc := NewFakeClock(time.Now())
	r := NewMockNotifierReader("mock-auto")
	m := NewMonitor(r, WithClock(fc))
	m.Start()

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	advanceUntilEvent(t, fc, m, EventCardInserted)

	m.Stop()

	// After Stop the driver signal must not reach the monitor.
	r.RemoveCard()
	select {
	case ev := <-m.Events():
		t.Fatalf("Unexpected event after Stop: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
