package reader

import (
	"bytes"
	"errors"
	"testing"
)

// scriptedTransceiver replays a fixed sequence of responses and records
// every command it receives.
type scriptedTransceiver struct {
	responses [][]byte
	errs      []error
	calls     [][]byte
}

func (s *scriptedTransceiver) Transceive(txData []byte) ([]byte, error) {
	i := len(s.calls)
	s.calls = append(s.calls, append([]byte(nil), txData...))
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("no scripted response left")
	}
	return s.responses[i], nil
}

func TestTransmitChained_NoChaining(t *testing.T) {
	want := []byte{0x6F, 0x10, 0x84, 0x08, 0x90, 0x00}
	tr := &scriptedTransceiver{responses: [][]byte{want}}

	got, err := TransmitChained(tr, []byte{0x00, 0xA4, 0x04, 0x00}, ISO7816GetResponse)
	if err != nil {
		t.Fatalf("TransmitChained failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected response %X unmodified, got %X", want, got)
	}
	if len(tr.calls) != 1 {
		t.Errorf("Expected 1 exchange, got %d", len(tr.calls))
	}
}

func TestTransmitChained_SingleContinuation(t *testing.T) {
	tr := &scriptedTransceiver{responses: [][]byte{
		{0x61, 0x05},
		{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x90, 0x00},
	}}

	got, err := TransmitChained(tr, []byte{0x00, 0xB0, 0x00, 0x00}, ISO7816GetResponse)
	if err != nil {
		t.Fatalf("TransmitChained failed: %v", err)
	}

	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x90, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected concatenated response %X, got %X", want, got)
	}

	// The follow-up must be the ISO 7816-4 GET RESPONSE with le from SW2.
	wantCmd := []byte{0x00, 0xC0, 0x00, 0x00, 0x05}
	if len(tr.calls) != 2 {
		t.Fatalf("Expected 2 exchanges, got %d", len(tr.calls))
	}
	if !bytes.Equal(tr.calls[1], wantCmd) {
		t.Errorf("Expected follow-up command %X, got %X", wantCmd, tr.calls[1])
	}
}

func TestTransmitChained_MultipleContinuations(t *testing.T) {
	tr := &scriptedTransceiver{responses: [][]byte{
		{0x11, 0x22, 0x61, 0x03},
		{0x33, 0x44, 0x55, 0x61, 0x02},
		{0x66, 0x77, 0x90, 0x00},
	}}

	got, err := TransmitChained(tr, []byte{0x00, 0xB0, 0x00, 0x00}, ISO7816GetResponse)
	if err != nil {
		t.Fatalf("TransmitChained failed: %v", err)
	}

	want := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x90, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected %X, got %X", want, got)
	}
	if got[len(got)-2] == 0x61 {
		t.Errorf("Intermediate 61xy leaked into result: %X", got)
	}
}

func TestTransmitChained_MidChainError(t *testing.T) {
	chainErr := errors.New("target released")
	tr := &scriptedTransceiver{
		responses: [][]byte{{0x61, 0x10}, nil},
		errs:      []error{nil, chainErr},
	}

	got, err := TransmitChained(tr, []byte{0x00, 0xB0, 0x00, 0x00}, ISO7816GetResponse)
	if !errors.Is(err, chainErr) {
		t.Fatalf("Expected chain error to surface, got %v", err)
	}
	if got != nil {
		t.Errorf("Expected no partial data on chain error, got %X", got)
	}
}

func TestTransmitChained_ShortResponse(t *testing.T) {
	tr := &scriptedTransceiver{responses: [][]byte{{0x90}}}

	if _, err := TransmitChained(tr, []byte{0x00, 0xB0, 0x00, 0x00}, ISO7816GetResponse); err == nil {
		t.Error("Expected error for response shorter than a status word")
	}
}

func TestTransmitChained_CustomBuilder(t *testing.T) {
	tr := &scriptedTransceiver{responses: [][]byte{
		{0x61, 0x08},
		{0x01, 0x90, 0x00},
	}}

	build := func(le byte) []byte {
		return []byte{0x80, 0xC0, 0x00, 0x00, le}
	}
	if _, err := TransmitChained(tr, []byte{0x00, 0xB0, 0x00, 0x00}, build); err != nil {
		t.Fatalf("TransmitChained failed: %v", err)
	}

	wantCmd := []byte{0x80, 0xC0, 0x00, 0x00, 0x08}
	if !bytes.Equal(tr.calls[1], wantCmd) {
		t.Errorf("Expected custom follow-up %X, got %X", wantCmd, tr.calls[1])
	}
}

func TestTransmitChained_NilBuilderDefaultsToISO7816(t *testing.T) {
	tr := &scriptedTransceiver{responses: [][]byte{
		{0x61, 0x02},
		{0x01, 0x02, 0x90, 0x00},
	}}

	if _, err := TransmitChained(tr, []byte{0x00, 0xB0, 0x00, 0x00}, nil); err != nil {
		t.Fatalf("TransmitChained failed: %v", err)
	}
	wantCmd := []byte{0x00, 0xC0, 0x00, 0x00, 0x02}
	if !bytes.Equal(tr.calls[1], wantCmd) {
		t.Errorf("Expected default follow-up %X, got %X", wantCmd, tr.calls[1])
	}
}
