package reader

import "errors"

// Transceiver is the raw exchange primitive a driver exposes to the
// response-chaining engine: one command out, one immediate response in.
// Implementations return typed ReaderErrors so chain failures keep their
// origin (reader link vs card link).
type Transceiver interface {
	Transceive(txData []byte) ([]byte, error)
}

// TransmitChained sends apduIn and assembles the complete logical response.
// While the card answers 61xy, the follow-up retrieval command produced by
// build is issued and the returned data concatenated, so callers never
// observe an intermediate 61xy status word. The assembled result carries
// the final status word of the chain.
//
// A chain that errors mid-sequence is surfaced immediately; partial data is
// discarded, never returned.
func TransmitChained(t Transceiver, apduIn []byte, build GetResponseBuilder) ([]byte, error) {
	if build == nil {
		build = ISO7816GetResponse
	}

	raw, err := t.Transceive(apduIn)
	if err != nil {
		return nil, err
	}
	resp, err := ParseAPDUResponse(raw)
	if err != nil {
		return nil, err
	}

	assembled := append([]byte(nil), resp.Data...)
	for resp.HasMoreData() {
		raw, err = t.Transceive(build(resp.SW2))
		if err != nil {
			return nil, err
		}
		resp, err = ParseAPDUResponse(raw)
		if err != nil {
			return nil, err
		}
		assembled = append(assembled, resp.Data...)
	}

	return append(assembled, resp.SW1, resp.SW2), nil
}

// asCardError returns err unchanged when it is already a typed ReaderError,
// and wraps anything else as a card-link failure for op. Drivers use it to
// normalize errors escaping the chaining engine.
func asCardError(op, readerName string, err error) error {
	var rerr *ReaderError
	if errors.As(err, &rerr) {
		return err
	}
	return NewCardIOError(op, readerName, err)
}
