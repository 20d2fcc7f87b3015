// Package transport provides the point-to-point authenticated byte streams
// packets travel over: TCP+TLS on the LAN and Bluetooth RFCOMM. Both variants
// expose the same Conn contract so the engine above stays transport agnostic;
// each supplies its own framing (newline-delimited JSON over TCP, chunked
// frames over RFCOMM) and its own size limits.
package transport

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxPacketSize is the practical cap for one framed unit. TCP could
	// carry more, but nothing in the protocol needs to; bulk data travels
	// out of band on a payload connection.
	MaxPacketSize = 1 << 20

	// BluetoothWriteCeiling is the hard per-write limit on RFCOMM. Units
	// larger than one chunk are split and reassembled by sequence marker.
	BluetoothWriteCeiling = 512

	// OperationTimeout bounds Bluetooth operations and every payload
	// transfer. A stalled transfer fails instead of blocking the packet
	// stream.
	OperationTimeout = 15 * time.Second

	// DefaultPort is the UDP discovery port and the first candidate for
	// the TCP protocol listener.
	DefaultPort = 1716

	// ProtocolPortLast bounds the search for a free protocol port when
	// DefaultPort is taken.
	ProtocolPortLast = 1764

	// Payload transfers advertise an ephemeral port from this range.
	PayloadPortFirst = 1739
	PayloadPortLast  = 1764

	// ServiceUUID identifies the RFCOMM protocol channel. Fixed across
	// platforms.
	ServiceUUID = "185f3df4-3268-4e3f-9fca-d4d5059915bd"
)

var (
	ErrTimeout         = errors.New("operation timed out")
	ErrClosed          = errors.New("connection closed")
	ErrUnitTooLarge    = errors.New("framed unit exceeds transport limit")
	ErrNoFreePort      = errors.New("no free port in range")
	ErrChunkOutOfOrder = errors.New("chunk sequence violation")
	ErrUnsupported     = errors.New("transport not supported on this platform")
)

// TransportError wraps a failure in a transport operation with enough
// context to log and classify it. Match the sentinels above with errors.Is.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the wrapped failure was a deadline expiry.
func (e *TransportError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

// Conn is one authenticated point-to-point stream. Send writes one framed
// unit; Receive blocks until one framed unit arrives or the connection
// closes. A unit is delivered whole or not at all.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error

	// RemoteAddr identifies the peer endpoint for logging and payload
	// fetches: host for TCP, MAC for Bluetooth.
	RemoteAddr() string

	// PeerFingerprint is the certificate fingerprint the peer presented
	// during session establishment.
	PeerFingerprint() string
}

// timeoutError maps deadline expiries onto the ErrTimeout sentinel so
// callers can classify without knowing the concrete transport.
func timeoutError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
