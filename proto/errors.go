package proto

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPacket     = errors.New("malformed packet")
	ErrMissingField        = errors.New("missing required field")
	ErrInconsistentPayload = errors.New("payload size declared without transfer info")
)

// DecodeError describes why a framed unit could not be turned into a Packet.
// The offending unit is dropped and logged; the stream itself stays up since
// newline framing recovers on the next line.
type DecodeError struct {
	Reason error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}

	return fmt.Sprintf("%s: %s", e.Reason.Error(), e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// PayloadIntegrityError reports that fetched payload bytes do not match the
// hash declared in the packet body. The packet's primary fields are still
// delivered; the payload must be treated as untrusted and discarded.
type PayloadIntegrityError struct {
	Declared string
	Computed string
}

func (e *PayloadIntegrityError) Error() string {
	return fmt.Sprintf("payload integrity: declared hash %s, computed %s", e.Declared, e.Computed)
}
