package reader

import (
	"errors"
	"fmt"
)

// APDU status words
const (
	SW1Success  = 0x90
	SW2Success  = 0x00
	SW1MoreData = 0x61 // More response data available, retrieve with GET RESPONSE
)

// Command classes and instructions used by the terminal itself.
const (
	CLAStandard    = 0x00 // Standard ISO7816-4
	CLAPCSC        = 0xFF // PC/SC pseudo-APDU (reader commands)
	INSGetResponse = 0xC0 // Retrieve remaining response data
	INSGetUID      = 0xCA // Get UID (PC/SC pseudo-APDU)
)

// APDUResponse represents a parsed APDU response.
type APDUResponse struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// IsSuccess returns true if the response indicates success (SW1=90, SW2=00).
func (r APDUResponse) IsSuccess() bool {
	return r.SW1 == SW1Success && r.SW2 == SW2Success
}

// HasMoreData returns true if more response data is available (SW1=61).
// SW2 then carries the number of bytes still to be retrieved.
func (r APDUResponse) HasMoreData() bool {
	return r.SW1 == SW1MoreData
}

// StatusWord returns the 2-byte status word as uint16.
func (r APDUResponse) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// Error returns an error if the response is neither success nor 61xy.
func (r APDUResponse) Error() error {
	if r.IsSuccess() || r.HasMoreData() {
		return nil
	}
	return fmt.Errorf("APDU error: SW1=%02X SW2=%02X", r.SW1, r.SW2)
}

// ParseAPDUResponse parses a raw response into an APDUResponse. The raw
// response must be at least 2 bytes (the trailing status word is always
// present).
func ParseAPDUResponse(raw []byte) (APDUResponse, error) {
	if len(raw) < 2 {
		return APDUResponse{}, errors.New("response too short")
	}
	return APDUResponse{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// BuildAPDU constructs an APDU command.
func BuildAPDU(cla, ins, p1, p2 byte, data []byte, le *byte) []byte {
	cmd := []byte{cla, ins, p1, p2}

	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}

	if le != nil {
		cmd = append(cmd, *le)
	}

	return cmd
}

// GetResponseBuilder builds the follow-up retrieval command issued while a
// card answers 61xy. The exact encoding is protocol-family-specific, so it
// is a pluggable strategy rather than hard-coded; le is the SW2 byte of the
// 61xy status (0x00 meaning 256 bytes).
type GetResponseBuilder func(le byte) []byte

// ISO7816GetResponse is the default retrieval strategy: the ISO 7816-4
// GET RESPONSE command 00 C0 00 00 le.
func ISO7816GetResponse(le byte) []byte {
	return []byte{CLAStandard, INSGetResponse, 0x00, 0x00, le}
}

// GetUIDAPDU returns the PC/SC pseudo-APDU for reading the card UID
// (FF CA 00 00 00). Used as a cheap presence probe on readers where the
// status interface is unreliable.
func GetUIDAPDU() []byte {
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSGetUID, 0x00, 0x00, nil, &le)
}
