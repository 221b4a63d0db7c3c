package reader

import (
	"errors"
	"strings"

	"github.com/ebfe/scard"
)

// contactlessNamePatterns are substrings that identify contactless PC/SC
// reader interfaces. PC/SC exposes no direct contactless flag, so the
// reader name is the only discriminator available before a card arrives.
var contactlessNamePatterns = []string{
	"ACR", "ACS", "NFC", "PICC", "CONTACTLESS",
	"SCL", "IDENTIV", "DUAL",
}

// PCSCReader drives a smart-card reader through PC/SC. It implements only
// polled presence detection: PC/SC status queries are request/response, so
// removal during processing is caught by the check following each exchange.
type PCSCReader struct {
	readerState
	ctx         *scard.Context
	card        *scard.Card
	contactless bool
}

func newPCSCReader(ctx *scard.Context, name string) *PCSCReader {
	contactless := isContactlessReaderName(name)

	supported := []string{ProtocolISO7816T0, ProtocolISO7816T1}
	if contactless {
		supported = []string{ProtocolISO14443_4, ProtocolMifareClassic, ProtocolMifareUltralight}
	}

	return &PCSCReader{
		readerState: newReaderState(name, supported...),
		ctx:         ctx,
		contactless: contactless,
	}
}

func isContactlessReaderName(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range contactlessNamePatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

func (r *PCSCReader) Name() string {
	return r.name
}

func (r *PCSCReader) IsContactless() bool {
	return r.contactless
}

func (r *PCSCReader) DriverType() string {
	return "pcsc"
}

func (r *PCSCReader) IsProtocolSupported(protocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protocols.IsSupported(protocol)
}

func (r *PCSCReader) ActivateProtocol(protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegistered("ActivateProtocol"); err != nil {
		return err
	}
	return r.protocols.Activate(protocol)
}

func (r *PCSCReader) DeactivateProtocol(protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegistered("DeactivateProtocol"); err != nil {
		return err
	}
	return r.protocols.Deactivate(protocol)
}

// IsCurrentProtocol reports whether the inserted card speaks protocol. The
// card's protocol is resolved once when the channel opens and cleared on
// removal, so this is false for everything while no card is tracked.
func (r *PCSCReader) IsCurrentProtocol(protocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentProtocol != "" && r.currentProtocol == protocol
}

// OpenPhysicalChannel connects to the card and captures its ATR as the
// power-on data. Opening an already-open channel is a no-op.
func (r *PCSCReader) OpenPhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRegistered("OpenPhysicalChannel"); err != nil {
		return err
	}
	if r.channelOpen {
		return nil
	}

	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if errors.Is(err, scard.ErrNoSmartcard) {
			return NewNoCardError("OpenPhysicalChannel", r.name)
		}
		return NewReaderIOError("OpenPhysicalChannel", r.name, err)
	}

	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return classifyPCSCError("OpenPhysicalChannel", r.name, err)
	}

	r.card = card
	r.beginCard(status.Atr, r.resolveCardProtocol(card.ActiveProtocol(), status.Atr))
	return nil
}

// resolveCardProtocol infers which protocol the inserted card speaks. For
// contact readers PC/SC negotiates T=0/T=1 directly; for contactless ones
// the ATR synthesized by the reader carries the card family (PC/SC part 3
// storage-card encoding), with ISO 14443-4 as the default for anything that
// negotiated a full protocol stack.
func (r *PCSCReader) resolveCardProtocol(active scard.Protocol, atr []byte) string {
	if !r.contactless {
		switch active {
		case scard.ProtocolT0:
			return ProtocolISO7816T0
		case scard.ProtocolT1:
			return ProtocolISO7816T1
		}
		return ""
	}

	// Storage cards show up as 3B 8F 80 01 80 4F ... A0 00 00 03 06 with a
	// two-byte card-name field after the standard byte.
	for i := 0; i+6 < len(atr); i++ {
		if atr[i] == 0xA0 && atr[i+1] == 0x00 && atr[i+2] == 0x00 && atr[i+3] == 0x03 && atr[i+4] == 0x06 {
			switch atr[i+6] {
			case 0x01, 0x02:
				return ProtocolMifareClassic
			case 0x03:
				return ProtocolMifareUltralight
			}
		}
	}
	return ProtocolISO14443_4
}

// ClosePhysicalChannel disconnects from the card without resetting it. The
// power-on data is kept since the card remains in the field. Closing an
// already-closed channel is a no-op.
func (r *PCSCReader) ClosePhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRegistered("ClosePhysicalChannel"); err != nil {
		return err
	}
	if !r.channelOpen {
		return nil
	}

	err := r.card.Disconnect(scard.LeaveCard)
	r.card = nil
	r.channelOpen = false
	if err != nil {
		return NewReaderIOError("ClosePhysicalChannel", r.name, err)
	}
	return nil
}

func (r *PCSCReader) IsPhysicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelOpen
}

// CheckCardPresence queries the reader slot state. The query is immediate,
// no state change is waited for.
func (r *PCSCReader) CheckCardPresence() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRegistered("CheckCardPresence"); err != nil {
		return false, err
	}

	states := []scard.ReaderState{
		{Reader: r.name, CurrentState: scard.StateUnaware},
	}
	if err := r.ctx.GetStatusChange(states, 0); err != nil {
		return false, NewReaderIOError("CheckCardPresence", r.name, err)
	}

	event := states[0].EventState
	if event&scard.StateEmpty != 0 {
		// Card gone; drop the per-card caches unless a transaction still
		// holds the channel, in which case removal is surfaced there.
		if !r.channelOpen {
			r.powerOnData = nil
			r.currentProtocol = ""
		}
		return false, nil
	}
	present := event&scard.StatePresent != 0
	return present, nil
}

func (r *PCSCReader) PowerOnData() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.powerOnData...)
}

// TransmitAPDU sends a command APDU and returns the complete response with
// 61xy continuations already resolved.
func (r *PCSCReader) TransmitAPDU(apduIn []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRegistered("TransmitAPDU"); err != nil {
		return nil, err
	}
	if len(apduIn) == 0 {
		return nil, NewInvalidAPDUError("TransmitAPDU", r.name, "empty command")
	}
	if !r.channelOpen {
		return nil, NewChannelClosedError("TransmitAPDU", r.name)
	}

	resp, err := TransmitChained(&pcscTransceiver{r: r}, apduIn, ISO7816GetResponse)
	if err != nil {
		return nil, asCardError("TransmitAPDU", r.name, err)
	}
	return resp, nil
}

// Unregister withdraws the reader. The card connection is released but the
// card is left unreset in the field.
func (r *PCSCReader) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unregistered {
		return nil
	}
	r.unregistered = true

	var err error
	if r.card != nil {
		err = r.card.Disconnect(scard.LeaveCard)
		r.card = nil
	}
	r.clearCard()
	if err != nil {
		return NewReaderIOError("Unregister", r.name, err)
	}
	return nil
}

// pcscTransceiver adapts the open card handle to the chaining engine.
// Callers hold r.mu.
type pcscTransceiver struct {
	r *PCSCReader
}

func (t *pcscTransceiver) Transceive(txData []byte) ([]byte, error) {
	rx, err := t.r.card.Transmit(txData)
	if err != nil {
		return nil, classifyPCSCError("TransmitAPDU", t.r.name, err)
	}
	return rx, nil
}

// classifyPCSCError splits PC/SC failures into the two error origins: card
// gone or unresponsive maps to the card link, everything else to the reader
// link.
func classifyPCSCError(op, readerName string, err error) error {
	if isCardAbsentPCSCError(err) {
		return NewCardIOError(op, readerName, err)
	}
	return NewReaderIOError(op, readerName, err)
}

// isCardAbsentPCSCError checks whether a PC/SC error indicates the card
// left or lost power. Typed errors first, string matching as fallback for
// platform-specific message variants.
func isCardAbsentPCSCError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard) {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "removed") ||
		strings.Contains(lower, "reset") ||
		strings.Contains(lower, "unpowered") ||
		strings.Contains(lower, "no smart card")
}
