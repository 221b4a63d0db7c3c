package reader

import (
	"fmt"

	"github.com/ebfe/scard"
)

// PCSCManager discovers readers through a PC/SC smart-card service context.
// The context is shared by every reader opened from this manager and stays
// valid until Close.
type PCSCManager struct {
	ctx *scard.Context
}

// NewPCSCManager establishes a PC/SC context. Fails when no smart-card
// service is running.
func NewPCSCManager() (*PCSCManager, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	return &PCSCManager{ctx: ctx}, nil
}

func (m *PCSCManager) Driver() string {
	return "pcsc"
}

// ListReaders enumerates attached PC/SC readers. An empty system is not an
// error; it returns an empty list.
func (m *PCSCManager) ListReaders() ([]string, error) {
	readers, err := m.ctx.ListReaders()
	if err != nil {
		if err == scard.ErrNoReadersAvailable {
			return nil, nil
		}
		return nil, fmt.Errorf("list PC/SC readers: %w", err)
	}
	return readers, nil
}

// OpenReader prepares a reader handle. No card connection is made here;
// that waits for the physical channel to be opened.
func (m *PCSCManager) OpenReader(name string) (Reader, error) {
	readers, err := m.ListReaders()
	if err != nil {
		return nil, err
	}
	for _, r := range readers {
		if r == name {
			return newPCSCReader(m.ctx, name), nil
		}
	}
	return nil, fmt.Errorf("PC/SC reader %s not found", name)
}

// Close releases the PC/SC context. Readers opened from this manager must
// be unregistered first.
func (m *PCSCManager) Close() error {
	return m.ctx.Release()
}
