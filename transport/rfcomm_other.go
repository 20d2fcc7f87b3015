//go:build !linux

package transport

import "github.com/olafkfreund/cosmic-connect/logger"

// NewAdapter reports Bluetooth as unavailable. Only the Linux RFCOMM stack
// is wired in; other platforms run LAN-only.
func NewAdapter(logger.Logger) (Adapter, error) {
	return nil, ErrUnsupported
}
