package reader

import (
	"errors"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
)

const (
	// libnfcRxBufferSize is the largest frame libnfc will hand back.
	libnfcRxBufferSize = 262
	// libnfcWatchInterval is how often the removal watcher probes the
	// selected target.
	libnfcWatchInterval = 200 * time.Millisecond
)

var iso14443aModulation = nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}

// LibnfcReader drives a contactless reader through libnfc. It detects card
// removal autonomously: while a target is selected, a driver-owned watcher
// goroutine probes the field and pushes the removal signal through the
// registered handler, independent of any framework poll.
type LibnfcReader struct {
	readerState
	dev nfc.Device

	// ioMu serializes all libnfc calls between the exchange path and the
	// watcher. Never held together with mu in lock order mu->ioMu reversed.
	ioMu   sync.Mutex
	target nfc.Target

	handlerMu sync.Mutex
	handler   func()
	armed     bool

	watchStop chan struct{}
	watchDone chan struct{}
}

func newLibnfcReader(dev nfc.Device, name string) *LibnfcReader {
	supported := []string{ProtocolISO14443_4, ProtocolMifareClassic, ProtocolMifareUltralight}
	return &LibnfcReader{
		readerState: newReaderState(name, supported...),
		dev:         dev,
	}
}

func (r *LibnfcReader) Name() string {
	return r.name
}

func (r *LibnfcReader) IsContactless() bool {
	return true
}

func (r *LibnfcReader) DriverType() string {
	return "libnfc"
}

func (r *LibnfcReader) IsProtocolSupported(protocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protocols.IsSupported(protocol)
}

func (r *LibnfcReader) ActivateProtocol(protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegistered("ActivateProtocol"); err != nil {
		return err
	}
	return r.protocols.Activate(protocol)
}

func (r *LibnfcReader) DeactivateProtocol(protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegistered("DeactivateProtocol"); err != nil {
		return err
	}
	return r.protocols.Deactivate(protocol)
}

func (r *LibnfcReader) IsCurrentProtocol(protocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentProtocol != "" && r.currentProtocol == protocol
}

// SetCardRemovedHandler registers the autonomous removal signal. The
// handler fires at most once per physical removal, from the watcher
// goroutine. nil clears the registration.
func (r *LibnfcReader) SetCardRemovedHandler(fn func()) {
	r.handlerMu.Lock()
	r.handler = fn
	r.handlerMu.Unlock()
}

// OpenPhysicalChannel selects the card in the field, captures its
// anti-collision data as the power-on data, resolves its protocol, and
// starts the removal watcher. Opening an already-open channel is a no-op.
func (r *LibnfcReader) OpenPhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRegistered("OpenPhysicalChannel"); err != nil {
		return err
	}
	if r.channelOpen {
		return nil
	}

	// Resolve the card family before selection; freefare leaves the tag
	// unselected so the select below still succeeds.
	resolved := r.resolveWithFreefare()

	r.ioMu.Lock()
	target, err := r.dev.InitiatorSelectPassiveTarget(iso14443aModulation, nil)
	r.ioMu.Unlock()
	if err != nil {
		return classifyLibnfcError("OpenPhysicalChannel", r.name, err)
	}
	if target == nil {
		return NewNoCardError("OpenPhysicalChannel", r.name)
	}

	isoA, ok := target.(*nfc.ISO14443aTarget)
	if !ok {
		return NewCardIOError("OpenPhysicalChannel", r.name, errors.New("unsupported target modulation"))
	}

	if resolved == "" {
		resolved = protocolFromSak(isoA.Sak)
	}

	r.target = target
	r.beginCard(powerOnDataFromTarget(isoA), resolved)

	r.handlerMu.Lock()
	r.armed = true
	r.handlerMu.Unlock()

	r.startWatcher()
	return nil
}

// resolveWithFreefare asks freefare to type the tag in the field. Returns
// empty when freefare cannot identify it, leaving SAK inference to the
// caller.
func (r *LibnfcReader) resolveWithFreefare() string {
	r.ioMu.Lock()
	tags, err := freefare.GetTags(r.dev)
	r.ioMu.Unlock()
	if err != nil || len(tags) == 0 {
		return ""
	}

	switch tags[0].(type) {
	case freefare.ClassicTag:
		return ProtocolMifareClassic
	case freefare.UltralightTag:
		return ProtocolMifareUltralight
	case freefare.DESFireTag:
		return ProtocolISO14443_4
	default:
		return ""
	}
}

// protocolFromSak infers the card family from the SAK byte. Bit 5 set
// means the card speaks ISO 14443-4.
func protocolFromSak(sak byte) string {
	if sak&0x20 != 0 {
		return ProtocolISO14443_4
	}
	switch sak {
	case 0x00:
		return ProtocolMifareUltralight
	case 0x08, 0x09, 0x18, 0x88:
		return ProtocolMifareClassic
	}
	return ProtocolISO14443_4
}

// powerOnDataFromTarget builds the contactless equivalent of an ATR from
// the anti-collision handshake: ATQA, SAK, UID, then ATS when present.
func powerOnDataFromTarget(t *nfc.ISO14443aTarget) []byte {
	data := make([]byte, 0, 3+int(t.UIDLen)+int(t.AtsLen))
	data = append(data, t.Atqa[:]...)
	data = append(data, t.Sak)
	data = append(data, t.UID[:t.UIDLen]...)
	data = append(data, t.Ats[:t.AtsLen]...)
	return data
}

// ClosePhysicalChannel deselects the target and stops the removal watcher.
// Power-on data and the resolved protocol are kept since the card remains
// in the field. Closing an already-closed channel is a no-op.
func (r *LibnfcReader) ClosePhysicalChannel() error {
	r.stopWatcher()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRegistered("ClosePhysicalChannel"); err != nil {
		return err
	}
	if !r.channelOpen {
		return nil
	}
	r.channelOpen = false

	r.ioMu.Lock()
	err := r.dev.InitiatorDeselectTarget()
	r.ioMu.Unlock()
	if err != nil {
		return NewReaderIOError("ClosePhysicalChannel", r.name, err)
	}
	return nil
}

func (r *LibnfcReader) IsPhysicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelOpen
}

// CheckCardPresence probes the field. With a selected target the probe is
// a cheap presence check; otherwise the reader polls for passive targets.
func (r *LibnfcReader) CheckCardPresence() (bool, error) {
	r.mu.Lock()
	if err := r.checkRegistered("CheckCardPresence"); err != nil {
		r.mu.Unlock()
		return false, err
	}
	target := r.target
	channelOpen := r.channelOpen
	r.mu.Unlock()

	if channelOpen && target != nil {
		r.ioMu.Lock()
		err := r.dev.InitiatorTargetIsPresent(target)
		r.ioMu.Unlock()
		if err == nil {
			return true, nil
		}
		// A lost target is a normal absent result; a device fault is not.
		cerr := classifyLibnfcError("CheckCardPresence", r.name, err)
		if IsReaderIOError(cerr) {
			return false, cerr
		}
		return false, nil
	}

	r.ioMu.Lock()
	targets, err := r.dev.InitiatorListPassiveTargets(iso14443aModulation)
	r.ioMu.Unlock()
	if err != nil {
		return false, NewReaderIOError("CheckCardPresence", r.name, err)
	}

	present := len(targets) > 0
	if !present {
		r.mu.Lock()
		if !r.channelOpen {
			r.powerOnData = nil
			r.currentProtocol = ""
			r.target = nil
		}
		r.mu.Unlock()
	}
	return present, nil
}

func (r *LibnfcReader) PowerOnData() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.powerOnData...)
}

// TransmitAPDU exchanges a command APDU with the selected card, resolving
// 61xy continuations before returning. The whole chain runs under the I/O
// lock so the watcher never interleaves with it.
func (r *LibnfcReader) TransmitAPDU(apduIn []byte) ([]byte, error) {
	r.mu.Lock()
	if err := r.checkRegistered("TransmitAPDU"); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if len(apduIn) == 0 {
		r.mu.Unlock()
		return nil, NewInvalidAPDUError("TransmitAPDU", r.name, "empty command")
	}
	if !r.channelOpen {
		r.mu.Unlock()
		return nil, NewChannelClosedError("TransmitAPDU", r.name)
	}
	r.mu.Unlock()

	r.ioMu.Lock()
	defer r.ioMu.Unlock()

	resp, err := TransmitChained(&libnfcTransceiver{r: r}, apduIn, ISO7816GetResponse)
	if err != nil {
		return nil, asCardError("TransmitAPDU", r.name, err)
	}
	return resp, nil
}

// Unregister stops the watcher and closes the libnfc device. The removal
// handler registration is dropped so no signal can fire after withdrawal.
func (r *LibnfcReader) Unregister() error {
	r.stopWatcher()
	r.SetCardRemovedHandler(nil)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unregistered {
		return nil
	}
	r.unregistered = true
	r.clearCard()
	r.target = nil

	r.ioMu.Lock()
	err := r.dev.Close()
	r.ioMu.Unlock()
	if err != nil {
		return NewReaderIOError("Unregister", r.name, err)
	}
	return nil
}

// startWatcher launches the removal watcher for the currently selected
// target. Called with mu held.
func (r *LibnfcReader) startWatcher() {
	r.watchStop = make(chan struct{})
	r.watchDone = make(chan struct{})
	go r.watchRemoval(r.watchStop, r.watchDone)
}

// stopWatcher halts the watcher and waits for it to exit. Safe when no
// watcher is running.
func (r *LibnfcReader) stopWatcher() {
	r.mu.Lock()
	stop, done := r.watchStop, r.watchDone
	r.watchStop, r.watchDone = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// watchRemoval probes the selected target until it disappears, then fires
// the removal signal once and exits. It takes the I/O lock per probe, so a
// long APDU chain simply delays the next probe.
func (r *LibnfcReader) watchRemoval(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(libnfcWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		target := r.target
		r.mu.Unlock()
		if target == nil {
			return
		}

		r.ioMu.Lock()
		err := r.dev.InitiatorTargetIsPresent(target)
		r.ioMu.Unlock()
		if err != nil {
			r.cardGone()
			return
		}
	}
}

// cardGone clears per-card state and delivers the one-shot removal signal.
// The watcher's channels are detached first: the handler typically closes
// the physical channel, and that close must not wait for the very
// goroutine delivering the signal.
func (r *LibnfcReader) cardGone() {
	r.mu.Lock()
	r.clearCard()
	r.target = nil
	r.watchStop = nil
	r.watchDone = nil
	r.mu.Unlock()

	r.handlerMu.Lock()
	fn := r.handler
	fire := r.armed && fn != nil
	r.armed = false
	r.handlerMu.Unlock()

	if fire {
		fn()
	}
}

// libnfcTransceiver adapts the device to the chaining engine. The caller
// holds ioMu for the whole chain.
type libnfcTransceiver struct {
	r *LibnfcReader
}

func (t *libnfcTransceiver) Transceive(txData []byte) ([]byte, error) {
	var rx [libnfcRxBufferSize]byte
	n, err := t.r.dev.InitiatorTransceiveBytes(txData, rx[:], 0)
	if err != nil {
		return nil, classifyLibnfcError("TransmitAPDU", t.r.name, err)
	}
	return rx[:n], nil
}

// classifyLibnfcError maps libnfc failures onto the two error origins: a
// released or unresponsive target is a card-link failure, everything else
// a reader-link failure.
func classifyLibnfcError(op, readerName string, err error) error {
	if errors.Is(err, nfc.Error(nfc.ETGRELEASED)) || errors.Is(err, nfc.Error(nfc.ERFTRANS)) {
		return NewCardIOError(op, readerName, err)
	}
	return NewReaderIOError(op, readerName, err)
}
