package reader

import "fmt"

// MockReader is a test implementation of Reader that simulates a
// polling-only smart-card reader without physical hardware.
//
// Card lifecycle is driven from the test: InsertCard places a simulated
// card in the field, RemoveCard withdraws it. Exchange behavior is
// configured through TransceiveFunc or the static response fields.
//
// Example:
//
//	mock := NewMockReader("mock-0")
//	mock.InsertCard([]byte{0x3B, 0x81}, ProtocolISO14443_4)
//	mock.TransceiveResponse = []byte{0x90, 0x00}
type MockReader struct {
	readerState

	// Contactless controls the coupling the mock reports.
	Contactless bool

	// TransceiveFunc allows custom exchange behavior for testing.
	// If nil, returns TransceiveResponse or TransceiveError.
	TransceiveFunc func([]byte) ([]byte, error)

	// TransceiveResponse is the default response for exchanges.
	TransceiveResponse []byte

	// TransceiveError, if set, will be returned by TransmitAPDU.
	TransceiveError error

	// PresenceError, if set, will be returned by CheckCardPresence.
	PresenceError error

	// OpenError, if set, will be returned by OpenPhysicalChannel.
	OpenError error

	// CallLog tracks method calls for verification in tests.
	CallLog []string

	cardPresent  bool
	cardPowerOn  []byte
	cardProtocol string
}

// NewMockReader creates a contactless MockReader supporting every known
// protocol.
func NewMockReader(name string) *MockReader {
	return &MockReader{
		readerState: newReaderState(name, AllProtocols()...),
		Contactless: true,
	}
}

// InsertCard simulates a card entering the field.
func (m *MockReader) InsertCard(powerOnData []byte, protocol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cardPresent = true
	m.cardPowerOn = powerOnData
	m.cardProtocol = protocol
}

// RemoveCard simulates the card leaving the field. A polling reader only
// learns of this on the next presence check or failed exchange.
func (m *MockReader) RemoveCard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cardPresent = false
	m.clearCard()
}

func (m *MockReader) logCall(call string) {
	m.CallLog = append(m.CallLog, call)
}

// GetCallLog returns a copy of the call log for verification.
func (m *MockReader) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CallLog))
	copy(out, m.CallLog)
	return out
}

func (m *MockReader) Name() string {
	return m.name
}

func (m *MockReader) IsContactless() bool {
	return m.Contactless
}

func (m *MockReader) DriverType() string {
	return "mock"
}

func (m *MockReader) IsProtocolSupported(protocol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protocols.IsSupported(protocol)
}

func (m *MockReader) ActivateProtocol(protocol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRegistered("ActivateProtocol"); err != nil {
		return err
	}
	return m.protocols.Activate(protocol)
}

func (m *MockReader) DeactivateProtocol(protocol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRegistered("DeactivateProtocol"); err != nil {
		return err
	}
	return m.protocols.Deactivate(protocol)
}

func (m *MockReader) IsCurrentProtocol(protocol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentProtocol != "" && m.currentProtocol == protocol
}

func (m *MockReader) OpenPhysicalChannel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logCall("OpenPhysicalChannel")

	if err := m.checkRegistered("OpenPhysicalChannel"); err != nil {
		return err
	}
	if m.OpenError != nil {
		return m.OpenError
	}
	if m.channelOpen {
		return nil
	}
	if !m.cardPresent {
		return NewNoCardError("OpenPhysicalChannel", m.name)
	}

	m.beginCard(m.cardPowerOn, m.cardProtocol)
	return nil
}

func (m *MockReader) ClosePhysicalChannel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logCall("ClosePhysicalChannel")

	if err := m.checkRegistered("ClosePhysicalChannel"); err != nil {
		return err
	}
	m.channelOpen = false
	return nil
}

func (m *MockReader) IsPhysicalChannelOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelOpen
}

func (m *MockReader) CheckCardPresence() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logCall("CheckCardPresence")

	if err := m.checkRegistered("CheckCardPresence"); err != nil {
		return false, err
	}
	if m.PresenceError != nil {
		return false, m.PresenceError
	}
	return m.cardPresent, nil
}

func (m *MockReader) PowerOnData() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.powerOnData...)
}

func (m *MockReader) TransmitAPDU(apduIn []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logCall(fmt.Sprintf("TransmitAPDU(%d bytes)", len(apduIn)))

	if err := m.checkRegistered("TransmitAPDU"); err != nil {
		return nil, err
	}
	if len(apduIn) == 0 {
		return nil, NewInvalidAPDUError("TransmitAPDU", m.name, "empty command")
	}
	if !m.channelOpen {
		return nil, NewChannelClosedError("TransmitAPDU", m.name)
	}

	resp, err := TransmitChained(mockTransceiver{m: m}, apduIn, ISO7816GetResponse)
	if err != nil {
		return nil, asCardError("TransmitAPDU", m.name, err)
	}
	return resp, nil
}

func (m *MockReader) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logCall("Unregister")

	m.unregistered = true
	m.clearCard()
	return nil
}

// mockTransceiver routes chained exchanges through the configured mock
// behavior. The caller holds m.mu.
type mockTransceiver struct {
	m *MockReader
}

func (t mockTransceiver) Transceive(txData []byte) ([]byte, error) {
	if t.m.TransceiveFunc != nil {
		return t.m.TransceiveFunc(txData)
	}
	if t.m.TransceiveError != nil {
		return nil, t.m.TransceiveError
	}
	return t.m.TransceiveResponse, nil
}

// MockNotifierReader extends MockReader with autonomous removal
// detection: RemoveCard pushes the registered handler instead of waiting
// to be polled. The signal fires at most once per insertion.
type MockNotifierReader struct {
	*MockReader

	handler func()
	armed   bool
}

// NewMockNotifierReader creates a MockNotifierReader.
func NewMockNotifierReader(name string) *MockNotifierReader {
	return &MockNotifierReader{MockReader: NewMockReader(name)}
}

// SetCardRemovedHandler registers the removal signal. nil clears it.
func (m *MockNotifierReader) SetCardRemovedHandler(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// InsertCard arms the removal signal for the new insertion.
func (m *MockNotifierReader) InsertCard(powerOnData []byte, protocol string) {
	m.MockReader.InsertCard(powerOnData, protocol)
	m.mu.Lock()
	m.armed = true
	m.mu.Unlock()
}

// RemoveCard simulates the card leaving the field and fires the removal
// signal exactly once.
func (m *MockNotifierReader) RemoveCard() {
	m.MockReader.RemoveCard()

	m.mu.Lock()
	fn := m.handler
	fire := m.armed && fn != nil
	m.armed = false
	m.mu.Unlock()

	if fire {
		fn()
	}
}
