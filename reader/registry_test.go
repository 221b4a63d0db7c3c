package reader

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	defer reg.Close()

	r := NewMockReader("mock-0")
	if _, err := reg.Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, ok := reg.Monitor("mock-0"); !ok {
		t.Error("Registered reader not found")
	}
	if _, ok := reg.Monitor("mock-1"); ok {
		t.Error("Lookup of unknown reader succeeded")
	}

	names := reg.Names()
	if len(names) != 1 || names[0] != "mock-0" {
		t.Errorf("Names = %v, want [mock-0]", names)
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	defer reg.Close()

	if _, err := reg.Register(NewMockReader("mock-0")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := reg.Register(NewMockReader("mock-0")); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}

func TestRegistry_UnregisterWithdrawsReader(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	r := NewMockReader("mock-0")
	if _, err := reg.Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.Unregister("mock-0"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, ok := reg.Monitor("mock-0"); ok {
		t.Error("Reader still listed after unregister")
	}

	// The reader itself was withdrawn, not just delisted.
	if err := r.OpenPhysicalChannel(); GetErrorCode(err) != ErrCodeUnregistered {
		t.Errorf("Expected unregistered error from withdrawn reader, got %v", err)
	}

	if err := reg.Unregister("mock-0"); err == nil {
		t.Error("Expected error unregistering an unknown name")
	}
}

func TestRegistry_Capabilities(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	defer reg.Close()

	if _, err := reg.Register(NewMockReader("mock-b")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := reg.Register(NewMockNotifierReader("mock-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	caps := reg.Capabilities()
	if len(caps) != 2 {
		t.Fatalf("Expected 2 capability entries, got %d", len(caps))
	}
	// Sorted by name.
	if caps[0].Name != "mock-a" || caps[1].Name != "mock-b" {
		t.Errorf("Capabilities out of order: %s, %s", caps[0].Name, caps[1].Name)
	}
	if caps[0].RemovalDetection != RemovalModeAutonomous {
		t.Errorf("mock-a removal mode = %s, want autonomous", caps[0].RemovalDetection)
	}
	if caps[1].RemovalDetection != RemovalModePolling {
		t.Errorf("mock-b removal mode = %s, want polling", caps[1].RemovalDetection)
	}
}
