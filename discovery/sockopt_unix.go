//go:build unix

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlBroadcast enables SO_BROADCAST on the discovery socket so the
// announce loop may write to broadcast addresses. SO_REUSEADDR keeps restarts
// from tripping over sockets in TIME_WAIT.
func controlBroadcast(_, _ string, c syscall.RawConn) error {
	var opErr error

	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		if opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}

	return opErr
}
