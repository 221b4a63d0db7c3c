package reader

import (
	"bytes"
	"testing"
)

func TestMockReader_ChannelLifecycle(t *testing.T) {
	r := NewMockReader("mock-0")

	if r.IsPhysicalChannelOpen() {
		t.Error("Channel open before any card")
	}

	// No card in the field yet.
	err := r.OpenPhysicalChannel()
	if GetErrorCode(err) != ErrCodeNoCard {
		t.Fatalf("Expected no-card error, got %v", err)
	}

	r.InsertCard([]byte{0x3B, 0x81}, ProtocolISO14443_4)
	if err := r.OpenPhysicalChannel(); err != nil {
		t.Fatalf("OpenPhysicalChannel failed: %v", err)
	}
	if !r.IsPhysicalChannelOpen() {
		t.Error("Channel should be open")
	}

	// Opening again is a no-op.
	if err := r.OpenPhysicalChannel(); err != nil {
		t.Fatalf("Reopen should be a no-op: %v", err)
	}
}

func TestMockReader_CloseIsIdempotent(t *testing.T) {
	r := NewMockReader("mock-0")
	r.InsertCard([]byte{0x3B, 0x81}, ProtocolISO14443_4)

	if err := r.OpenPhysicalChannel(); err != nil {
		t.Fatalf("OpenPhysicalChannel failed: %v", err)
	}
	if err := r.ClosePhysicalChannel(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := r.ClosePhysicalChannel(); err != nil {
		t.Fatalf("Second close on closed channel must not fail: %v", err)
	}
}

func TestMockReader_PowerOnDataLifecycle(t *testing.T) {
	r := NewMockReader("mock-0")
	atr := []byte{0x3B, 0x8F, 0x80, 0x01}
	r.InsertCard(atr, ProtocolMifareClassic)

	if len(r.PowerOnData()) != 0 {
		t.Error("Power-on data set before channel ever opened")
	}

	if err := r.OpenPhysicalChannel(); err != nil {
		t.Fatalf("OpenPhysicalChannel failed: %v", err)
	}
	if !bytes.Equal(r.PowerOnData(), atr) {
		t.Errorf("PowerOnData = %X, want %X", r.PowerOnData(), atr)
	}

	// Survives channel close while the card stays in the field.
	if err := r.ClosePhysicalChannel(); err != nil {
		t.Fatalf("ClosePhysicalChannel failed: %v", err)
	}
	if !bytes.Equal(r.PowerOnData(), atr) {
		t.Error("Power-on data lost on channel close")
	}

	r.RemoveCard()
	if len(r.PowerOnData()) != 0 {
		t.Error("Power-on data survived card removal")
	}
}

func TestMockReader_TransmitRequiresOpenChannel(t *testing.T) {
	r := NewMockReader("mock-0")
	r.InsertCard([]byte{0x3B, 0x81}, ProtocolISO14443_4)
	r.TransceiveResponse = []byte{0x90, 0x00}

	_, err := r.TransmitAPDU([]byte{0x00, 0xA4, 0x04, 0x00})
	if !IsChannelClosedError(err) {
		t.Fatalf("Expected channel-closed error, got %v", err)
	}

	if err := r.OpenPhysicalChannel(); err != nil {
		t.Fatalf("OpenPhysicalChannel failed: %v", err)
	}

	_, err = r.TransmitAPDU(nil)
	if GetErrorCode(err) != ErrCodeInvalidAPDU {
		t.Fatalf("Expected invalid-APDU error for empty command, got %v", err)
	}

	resp, err := r.TransmitAPDU([]byte{0x00, 0xA4, 0x04, 0x00})
	if err != nil {
		t.Fatalf("TransmitAPDU failed: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x90, 0x00}) {
		t.Errorf("Response = %X, want 9000", resp)
	}
}

func TestMockReader_TransmitResolvesChaining(t *testing.T) {
	r := NewMockReader("mock-0")
	r.InsertCard([]byte{0x3B, 0x81}, ProtocolISO14443_4)

	calls := 0
	r.TransceiveFunc = func(tx []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte{0x61, 0x05}, nil
		}
		return []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x90, 0x00}, nil
	}

	if err := r.OpenPhysicalChannel(); err != nil {
		t.Fatalf("OpenPhysicalChannel failed: %v", err)
	}

	resp, err := r.TransmitAPDU([]byte{0x00, 0xB0, 0x00, 0x00})
	if err != nil {
		t.Fatalf("TransmitAPDU failed: %v", err)
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x90, 0x00}
	if !bytes.Equal(resp, want) {
		t.Errorf("Response = %X, want %X", resp, want)
	}
	if calls != 2 {
		t.Errorf("Expected 2 raw exchanges, got %d", calls)
	}
}

func TestMockReader_NameStableAcrossLifecycle(t *testing.T) {
	r := NewMockReader("mock-0")
	name := r.Name()
	if name == "" {
		t.Fatal("Name must be non-empty")
	}

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	_ = r.OpenPhysicalChannel()
	_ = r.ActivateProtocol(ProtocolISO14443_4)
	_ = r.ClosePhysicalChannel()
	r.RemoveCard()

	if r.Name() != name {
		t.Errorf("Name changed from %s to %s", name, r.Name())
	}
}

func TestMockReader_UnregisterBlocksOperations(t *testing.T) {
	r := NewMockReader("mock-0")
	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)

	if err := r.Unregister(); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	if err := r.OpenPhysicalChannel(); GetErrorCode(err) != ErrCodeUnregistered {
		t.Errorf("Expected unregistered error, got %v", err)
	}
	if _, err := r.TransmitAPDU([]byte{0x00}); GetErrorCode(err) != ErrCodeUnregistered {
		t.Errorf("Expected unregistered error, got %v", err)
	}
}

func TestMockNotifierReader_FiresHandlerExactlyOnce(t *testing.T) {
	r := NewMockNotifierReader("mock-auto")

	fired := 0
	r.SetCardRemovedHandler(func() { fired++ })

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	r.RemoveCard()
	r.RemoveCard() // second withdrawal of the same insertion

	if fired != 1 {
		t.Errorf("Handler fired %d times, want exactly 1", fired)
	}

	// A fresh insertion re-arms the signal.
	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	r.RemoveCard()
	if fired != 2 {
		t.Errorf("Handler fired %d times after second cycle, want 2", fired)
	}
}

func TestMockNotifierReader_NilHandlerClearsRegistration(t *testing.T) {
	r := NewMockNotifierReader("mock-auto")

	fired := 0
	r.SetCardRemovedHandler(func() { fired++ })
	r.SetCardRemovedHandler(nil)

	r.InsertCard([]byte{0x3B}, ProtocolISO14443_4)
	r.RemoveCard()

	if fired != 0 {
		t.Errorf("Cleared handler fired %d times", fired)
	}
}
