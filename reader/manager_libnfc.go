package reader

import (
	"fmt"
	"time"

	"github.com/clausecker/nfc/v2"
)

const libnfcEnumRetries = 3

// LibnfcManager discovers contactless readers through libnfc. Reader names
// are libnfc connection strings (e.g. "pn532_uart:/dev/ttyUSB0").
type LibnfcManager struct{}

// NewLibnfcManager creates a LibnfcManager.
func NewLibnfcManager() *LibnfcManager {
	return &LibnfcManager{}
}

func (m *LibnfcManager) Driver() string {
	return "libnfc"
}

// ListReaders enumerates libnfc devices. Enumeration is retried a few
// times because some USB adapters drop the first query after replug.
func (m *LibnfcManager) ListReaders() ([]string, error) {
	var devices []string
	var err error
	for i := 0; i < libnfcEnumRetries; i++ {
		devices, err = nfc.ListDevices()
		if err == nil {
			return devices, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("list libnfc devices after %d retries: %w", libnfcEnumRetries, err)
}

// OpenReader opens and initializes the device behind the connection
// string.
func (m *LibnfcManager) OpenReader(name string) (Reader, error) {
	dev, err := nfc.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open libnfc device %s: %w", name, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("initialize libnfc device %s: %w", name, err)
	}
	return newLibnfcReader(dev, name), nil
}
