// Package protocol defines the wire types of the card terminal's WebSocket
// and HTTP APIs. It is importable by external tools without pulling in
// server dependencies.
package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Message types exchanged over the WebSocket endpoint.
const (
	TypeReaderEvent      = "readerEvent"
	TypeListReaders      = "listReaders"
	TypeReaderList       = "readerList"
	TypeBeginTransaction = "beginTransaction"
	TypeEndTransaction   = "endTransaction"
	TypeTransmit         = "transmit"
	TypeTransmitResponse = "transmitResponse"
	TypeAcknowledge      = "acknowledgeRemoval"
	TypeAck              = "ack"
	TypeError            = "error"
)

// Reader event names carried in ReaderEventPayload.
const (
	EventCardInserted = "cardInserted"
	EventCardRemoved  = "cardRemoved"
	EventMonitorError = "monitorError"
)

// Message is a server-initiated WebSocket frame.
type Message struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Request is a client-initiated WebSocket frame.
type Request struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Response answers a Request, correlated by ID.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReaderEventPayload describes a card-cycle event pushed to clients.
type ReaderEventPayload struct {
	Reader      string    `json:"reader"`
	Event       string    `json:"event"`
	PowerOnData string    `json:"powerOnData,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReaderInfo describes one registered reader in a reader-list response.
type ReaderInfo struct {
	Name               string   `json:"name"`
	Contactless        bool     `json:"contactless"`
	RemovalDetection   string   `json:"removalDetection"`
	SupportedProtocols []string `json:"supportedProtocols,omitempty"`
	DriverType         string   `json:"driverType"`
	State              string   `json:"state"`
}

// TransmitResult carries the responses to a batch of command APDUs,
// hex-encoded in command order.
type TransmitResult struct {
	Reader    string   `json:"reader"`
	Responses []string `json:"responses"`
}

// DecodeAPDU parses a hex-encoded APDU, tolerating the separators commonly
// pasted from card tooling: spaces, colons and dashes.
func DecodeAPDU(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	if cleaned == "" {
		return nil, fmt.Errorf("empty APDU")
	}
	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid APDU hex %q: %w", s, err)
	}
	return b, nil
}

// EncodeAPDU renders APDU bytes as uppercase hex.
func EncodeAPDU(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
