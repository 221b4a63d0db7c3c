package reader

import "sync"

// readerState carries the bookkeeping every driver shares: channel state,
// the captured power-on data, and the protocol activation set. Drivers embed
// it and hold mu around their own fields too.
type readerState struct {
	mu          sync.Mutex
	name        string
	protocols   *protocolSet
	channelOpen bool
	powerOnData []byte
	// currentProtocol caches which protocol the inserted card speaks,
	// resolved once at card detection and held until removal. Empty when
	// no card is tracked.
	currentProtocol string
	unregistered    bool
}

func newReaderState(name string, supported ...string) readerState {
	return readerState{
		name:      name,
		protocols: newProtocolSet(name, supported...),
	}
}

// beginCard records the power-on data and resolved card protocol captured
// while establishing the channel. Called with mu held.
func (s *readerState) beginCard(powerOnData []byte, currentProtocol string) {
	s.powerOnData = append([]byte(nil), powerOnData...)
	s.currentProtocol = currentProtocol
	s.channelOpen = true
}

// clearCard drops all per-card state. Called with mu held, on removal or
// unregister; closing the channel alone keeps the power-on data and the
// resolved protocol since the card is still in the field.
func (s *readerState) clearCard() {
	s.channelOpen = false
	s.powerOnData = nil
	s.currentProtocol = ""
}

// checkRegistered returns a typed error when the reader has been withdrawn.
// Called with mu held.
func (s *readerState) checkRegistered(op string) error {
	if s.unregistered {
		return NewUnregisteredError(op, s.name)
	}
	return nil
}
