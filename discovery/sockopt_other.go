//go:build !unix

package discovery

import "syscall"

// Broadcast writes may fail on platforms where SO_BROADCAST cannot be set
// here; the announce loop logs and carries on.
func controlBroadcast(_, _ string, _ syscall.RawConn) error {
	return nil
}
