package reader

import "time"

// CardState tracks where a reader is in the card cycle. Transitions are
// driven by the Monitor; drivers only report raw presence.
type CardState int

const (
	// StateNoCard: no card is tracked, the reader is waiting for insertion.
	StateNoCard CardState = iota
	// StateCardPresent: a card has been detected and is available, but no
	// transaction is in progress.
	StateCardPresent
	// StateProcessing: a transaction is in progress, the physical channel
	// is open.
	StateProcessing
	// StateRemoved: the card left the field; the cycle returns to
	// StateNoCard once the removal has been acknowledged.
	StateRemoved
)

func (s CardState) String() string {
	switch s {
	case StateNoCard:
		return "NO_CARD"
	case StateCardPresent:
		return "CARD_PRESENT"
	case StateProcessing:
		return "PROCESSING"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies a card-cycle event emitted by a Monitor.
type EventType int

const (
	// EventCardInserted: a card entered the field and was detected.
	EventCardInserted EventType = iota
	// EventCardRemoved: the tracked card left the field. Emitted exactly
	// once per insertion regardless of how the removal was observed.
	EventCardRemoved
	// EventMonitorError: the presence check itself failed (reader link).
	EventMonitorError
)

func (t EventType) String() string {
	switch t {
	case EventCardInserted:
		return "CARD_INSERTED"
	case EventCardRemoved:
		return "CARD_REMOVED"
	case EventMonitorError:
		return "MONITOR_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is a card-cycle notification. PowerOnData is set on insertion
// events when the driver captured it; Err is set on monitor errors.
type Event struct {
	Type        EventType
	Reader      string
	PowerOnData []byte
	Err         error
	Timestamp   time.Time
}
