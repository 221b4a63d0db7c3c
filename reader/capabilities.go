package reader

// RemovalNotifier is implemented by readers whose hardware or driver
// detects card removal on its own (a hardware interrupt or a driver-owned
// watch thread) and reports it without being polled.
//
// The registered handler fires at most once per physical removal and must
// not be relied upon to fire synchronously within any APDU call. It may run
// concurrently with an in-flight channel operation; implementations keep it
// a pure side-channel signal that never blocks the exchange path. Passing
// nil clears the registration.
//
// Readers that do not implement this interface are presumed to support only
// presence polling: the terminal calls CheckCardPresence between successive
// APDU exchanges, so implementations must keep that call cheap.
type RemovalNotifier interface {
	SetCardRemovedHandler(fn func())
}

// InfoProvider is an optional interface for readers to report driver
// metadata used when building capabilities.
type InfoProvider interface {
	DriverType() string
}

// Removal-detection mode names used in Capabilities.
const (
	RemovalModePolling    = "polling"
	RemovalModeAutonomous = "autonomous"
)

// Capabilities describes a registered reader to terminal clients.
type Capabilities struct {
	Name               string   `json:"name"`
	Contactless        bool     `json:"contactless"`
	RemovalDetection   string   `json:"removalDetection"`
	SupportedProtocols []string `json:"supportedProtocols,omitempty"`
	DriverType         string   `json:"driverType"`
}

// SupportsAutonomousRemoval reports whether r can deliver removal signals
// without being polled.
func SupportsAutonomousRemoval(r Reader) bool {
	_, ok := r.(RemovalNotifier)
	return ok
}

// BuildCapabilities constructs a Capabilities struct by probing which
// interfaces the reader implements.
func BuildCapabilities(r Reader) Capabilities {
	caps := Capabilities{
		Name:             r.Name(),
		Contactless:      r.IsContactless(),
		RemovalDetection: RemovalModePolling,
		DriverType:       "unknown",
	}

	if SupportsAutonomousRemoval(r) {
		caps.RemovalDetection = RemovalModeAutonomous
	}

	if info, ok := r.(InfoProvider); ok {
		caps.DriverType = info.DriverType()
	}

	for _, p := range AllProtocols() {
		if r.IsProtocolSupported(p) {
			caps.SupportedProtocols = append(caps.SupportedProtocols, p)
		}
	}

	return caps
}
