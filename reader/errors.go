package reader

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a specific reader error for programmatic handling.
type ErrorCode int

const (
	// ErrCodeReaderIO: the local reader hardware/driver could not be
	// reached or faulted (host-to-reader link failure).
	ErrCodeReaderIO ErrorCode = iota + 100
	// ErrCodeCardIO: the reader reached the card but the card failed to
	// respond or respond correctly (card-to-reader link failure).
	ErrCodeCardIO
	// ErrCodeChannelClosed: an operation that requires an open physical
	// channel was called while the channel was closed.
	ErrCodeChannelClosed
	// ErrCodeNoCard: an operation that requires a present card was called
	// while no card was tracked.
	ErrCodeNoCard
	// ErrCodeProtocolUnsupported: a protocol outside the reader's static
	// supported set was activated or deactivated.
	ErrCodeProtocolUnsupported
	// ErrCodeInvalidAPDU: the command passed to TransmitAPDU was empty or
	// otherwise unusable.
	ErrCodeInvalidAPDU
	// ErrCodeUnregistered: the reader was already withdrawn from service.
	ErrCodeUnregistered
)

// ReaderError provides structured error information for the two-origin
// error taxonomy: reader-link failures and card-link failures are distinct
// and mutually exclusive by origin. Neither is retried internally; retry
// policy belongs to the caller.
type ReaderError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g. "TransmitAPDU")
	Reader  string // Name of the reader involved
	Message string
	Cause   error
}

func (e *ReaderError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.Reader != "" {
		sb.WriteString("reader ")
		sb.WriteString(e.Reader)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *ReaderError) Unwrap() error {
	return e.Cause
}

func (e *ReaderError) Is(target error) bool {
	if t, ok := target.(*ReaderError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewReaderIOError creates an error for a host-to-reader link failure.
func NewReaderIOError(op, readerName string, cause error) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeReaderIO,
		Op:      op,
		Reader:  readerName,
		Message: "communication with the reader failed",
		Cause:   cause,
	}
}

// NewCardIOError creates an error for a card-to-reader link failure, e.g. a
// card withdrawn mid-command.
func NewCardIOError(op, readerName string, cause error) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeCardIO,
		Op:      op,
		Reader:  readerName,
		Message: "communication with the card failed",
		Cause:   cause,
	}
}

// NewChannelClosedError creates an error for operations requiring an open
// physical channel.
func NewChannelClosedError(op, readerName string) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeChannelClosed,
		Op:      op,
		Reader:  readerName,
		Message: "physical channel is not open",
	}
}

// NewNoCardError creates an error for operations requiring a present card.
func NewNoCardError(op, readerName string) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeNoCard,
		Op:      op,
		Reader:  readerName,
		Message: "no card present",
	}
}

// NewProtocolUnsupportedError creates an error for protocol operations
// outside the reader's supported set.
func NewProtocolUnsupportedError(op, readerName, protocol string) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeProtocolUnsupported,
		Op:      op,
		Reader:  readerName,
		Message: fmt.Sprintf("protocol %s is not supported by this reader", protocol),
	}
}

// NewInvalidAPDUError creates an error for an unusable APDU command.
func NewInvalidAPDUError(op, readerName, message string) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeInvalidAPDU,
		Op:      op,
		Reader:  readerName,
		Message: message,
	}
}

// NewUnregisteredError creates an error for operations on a withdrawn
// reader.
func NewUnregisteredError(op, readerName string) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeUnregistered,
		Op:      op,
		Reader:  readerName,
		Message: "reader has been unregistered",
	}
}

// IsReaderIOError checks whether an error indicates a host-to-reader link
// failure.
func IsReaderIOError(err error) bool {
	return GetErrorCode(err) == ErrCodeReaderIO
}

// IsCardIOError checks whether an error indicates a card-to-reader link
// failure.
func IsCardIOError(err error) bool {
	return GetErrorCode(err) == ErrCodeCardIO
}

// IsChannelClosedError checks whether an error indicates the physical
// channel was not open.
func IsChannelClosedError(err error) bool {
	return GetErrorCode(err) == ErrCodeChannelClosed
}

// GetErrorCode extracts the ErrorCode from an error if it is a ReaderError.
// Returns 0 otherwise.
func GetErrorCode(err error) ErrorCode {
	var rerr *ReaderError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return 0
}
