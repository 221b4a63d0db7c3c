// Package reader defines the contract a smart-card reader driver must
// satisfy to participate in the card terminal, together with the
// presence/removal state machine that observes registered readers.
//
// A Reader is obtained from a Manager and registered with a Registry, which
// owns it exclusively. At most one logical card transaction (open channel,
// exchange APDUs, close channel) runs against a Reader at a time; callers
// must serialize access. The single concurrent path is the autonomous
// card-removal signal described by RemovalNotifier.
package reader

// Reader is the low-level contract between the terminal and a reader driver.
//
// Implementations synchronize their channel and protocol state internally:
// the removal-notification path may run while a TransmitAPDU is in flight.
type Reader interface {
	// Name returns a stable, non-empty reader identifier, fixed for the
	// lifetime of the object.
	Name() string

	// IsContactless reports whether the reader uses a contactless
	// coupling. Some hardware only reveals this after first contact with
	// a card, so the answer may be resolved lazily and cached.
	IsContactless() bool

	// IsProtocolSupported reports whether the reader type supports the
	// given protocol identifier. Pure query, never fails.
	IsProtocolSupported(protocol string) bool

	// ActivateProtocol makes the reader able to communicate with cards
	// using the given protocol. Activating an unsupported protocol
	// returns an ErrCodeProtocolUnsupported error and leaves the
	// activation set for other protocols untouched. Activation is
	// idempotent and never opens or closes the physical channel.
	ActivateProtocol(protocol string) error

	// DeactivateProtocol makes the reader ignore cards using the given
	// protocol. Idempotent.
	DeactivateProtocol(protocol string) error

	// IsCurrentProtocol reports whether the currently inserted card
	// communicates with the given protocol. The matching protocol is
	// resolved once at card detection and cached until removal; when no
	// card is present this is false for every protocol.
	IsCurrentProtocol(protocol string) bool

	// OpenPhysicalChannel establishes a communication session with an
	// inserted card. On success the channel is open and PowerOnData is
	// available. Fails with a reader-link error (ErrCodeReaderIO) if the
	// reader hardware cannot be reached, or a card-link error
	// (ErrCodeCardIO) if the card does not respond.
	OpenPhysicalChannel() error

	// ClosePhysicalChannel releases the session. The channel may have
	// been implicitly closed already by a card withdrawal; closing a
	// closed channel is a no-op, not an error. Fails with a reader-link
	// error only on a genuine driver fault during close.
	ClosePhysicalChannel() error

	// IsPhysicalChannelOpen reports the channel state. Pure query, no
	// side effects.
	IsPhysicalChannelOpen() bool

	// CheckCardPresence reports whether a card is present. A missing
	// card is a normal false result, never an error; the error return is
	// reserved for reader-link failures.
	CheckCardPresence() (bool, error)

	// PowerOnData returns the data captured when the channel was opened
	// on the current card: the ATR for contact readers, a contactless
	// equivalent (anti-collision bytes, virtual ATR) otherwise. Non-empty
	// while the current card is tracked, nil after removal.
	PowerOnData() []byte

	// TransmitAPDU sends apduIn to the card and returns the complete
	// logical response, transparently issuing retrieval commands while
	// the card answers 61xy and concatenating the results. The returned
	// slice is at least 2 bytes long (trailing status word). Requires an
	// open channel and a non-empty apduIn.
	TransmitAPDU(apduIn []byte) ([]byte, error)

	// Unregister releases hardware resources and background listeners
	// when the reader is withdrawn from service. Safe to call with the
	// channel already closed; after it returns, no removal callback will
	// fire.
	Unregister() error
}
