package reader

// Protocol identifiers for the card communication protocols the terminal
// knows how to route. Which subset a reader supports is fixed per reader
// type.
const (
	ProtocolISO14443_4       = "ISO_14443_4"
	ProtocolMifareClassic    = "MIFARE_CLASSIC"
	ProtocolMifareUltralight = "MIFARE_ULTRALIGHT"
	ProtocolISO7816T0        = "ISO_7816_3_T0"
	ProtocolISO7816T1        = "ISO_7816_3_T1"
)

// AllProtocols returns every protocol identifier known to the terminal.
func AllProtocols() []string {
	return []string{
		ProtocolISO14443_4,
		ProtocolMifareClassic,
		ProtocolMifareUltralight,
		ProtocolISO7816T0,
		ProtocolISO7816T1,
	}
}

// protocolSet tracks protocol activation over a fixed, reader-type-specific
// supported set. The supported set never changes after construction;
// activation and deactivation are idempotent.
type protocolSet struct {
	readerName string
	supported  []string
	activated  map[string]bool
}

func newProtocolSet(readerName string, supported ...string) *protocolSet {
	return &protocolSet{
		readerName: readerName,
		supported:  supported,
		activated:  make(map[string]bool),
	}
}

func (s *protocolSet) IsSupported(protocol string) bool {
	for _, p := range s.supported {
		if p == protocol {
			return true
		}
	}
	return false
}

func (s *protocolSet) Activate(protocol string) error {
	if !s.IsSupported(protocol) {
		return NewProtocolUnsupportedError("ActivateProtocol", s.readerName, protocol)
	}
	s.activated[protocol] = true
	return nil
}

func (s *protocolSet) Deactivate(protocol string) error {
	if !s.IsSupported(protocol) {
		return NewProtocolUnsupportedError("DeactivateProtocol", s.readerName, protocol)
	}
	delete(s.activated, protocol)
	return nil
}

func (s *protocolSet) IsActivated(protocol string) bool {
	return s.activated[protocol]
}

func (s *protocolSet) Supported() []string {
	out := make([]string, len(s.supported))
	copy(out, s.supported)
	return out
}
