package reader

import "testing"

func TestSupportsAutonomousRemoval(t *testing.T) {
	if SupportsAutonomousRemoval(NewMockReader("mock-0")) {
		t.Error("Plain mock should be polling-only")
	}
	if !SupportsAutonomousRemoval(NewMockNotifierReader("mock-auto")) {
		t.Error("Notifier mock should advertise autonomous removal")
	}
}

func TestBuildCapabilities(t *testing.T) {
	caps := BuildCapabilities(NewMockReader("mock-0"))

	if caps.Name != "mock-0" {
		t.Errorf("Name = %s, want mock-0", caps.Name)
	}
	if !caps.Contactless {
		t.Error("Mock reader should report contactless")
	}
	if caps.RemovalDetection != RemovalModePolling {
		t.Errorf("RemovalDetection = %s, want %s", caps.RemovalDetection, RemovalModePolling)
	}
	if caps.DriverType != "mock" {
		t.Errorf("DriverType = %s, want mock", caps.DriverType)
	}
	if len(caps.SupportedProtocols) != len(AllProtocols()) {
		t.Errorf("SupportedProtocols = %v, want all protocols", caps.SupportedProtocols)
	}
}

func TestBuildCapabilities_AutonomousReader(t *testing.T) {
	caps := BuildCapabilities(NewMockNotifierReader("mock-auto"))
	if caps.RemovalDetection != RemovalModeAutonomous {
		t.Errorf("RemovalDetection = %s, want %s", caps.RemovalDetection, RemovalModeAutonomous)
	}
}
