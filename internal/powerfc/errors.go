package powerfc

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming means the receive buffer had to be resynchronized.
	ErrFraming = errors.New("powerfc: framing error")
	// ErrProtocolMismatch is a checksum, length or id violation on a structured frame.
	ErrProtocolMismatch = errors.New("powerfc: protocol mismatch")
	// ErrTransportFault is a timeout or I/O failure on the serial link.
	ErrTransportFault = errors.New("powerfc: transport fault")
	// ErrOutOfRange is a map index outside the 20x20 fuel table.
	ErrOutOfRange = errors.New("powerfc: index out of range")
)

// MismatchError describes which field of a frame failed validation.
type MismatchError struct {
	Field    string
	Expected int
	Actual   int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("powerfc: protocol mismatch: %s expected 0x%02X, got 0x%02X",
		e.Field, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrProtocolMismatch }

func mismatch(field string, expected, actual int) error {
	return &MismatchError{Field: field, Expected: expected, Actual: actual}
}
