//go:build linux

package transport

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/olafkfreund/cosmic-connect/logger"
)

const rfcommProtocolChannel = 1

// rfcommChannel maps a service UUID onto a static RFCOMM channel. The
// protocol channel is fixed; payload channels are derived from the transfer
// UUID so both peers land on the same number without negotiation.
// TODO: resolve channels through an SDP record instead of the static mapping.
func rfcommChannel(serviceUUID string) uint8 {
	if serviceUUID == ServiceUUID {
		return rfcommProtocolChannel
	}
	h := fnv.New32a()
	h.Write([]byte(serviceUUID))
	return uint8(3 + h.Sum32()%27)
}

// LinuxAdapter drives RFCOMM sockets through the kernel Bluetooth stack.
type LinuxAdapter struct {
	log logger.Logger
}

// NewAdapter returns the platform Bluetooth adapter.
func NewAdapter(log logger.Logger) (Adapter, error) {
	return &LinuxAdapter{log: log.WithComponent("rfcomm")}, nil
}

func (a *LinuxAdapter) Dial(ctx context.Context, mac, serviceUUID string) (io.ReadWriteCloser, error) {
	bdaddr, err := parseBluetoothAddr(mac)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: bdaddr, Channel: rfcommChannel(serviceUUID)}

	// unix.Connect has no context support; closing the fd unblocks it.
	errCh := make(chan error, 1)
	go func() { errCh <- unix.Connect(fd, sa) }()

	select {
	case <-ctx.Done():
		unix.Close(fd)
		<-errCh
		return nil, ctx.Err()
	case err := <-errCh:
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("rfcomm connect %s: %w", mac, err)
		}
	}

	return fdToStream(fd, mac)
}

func (a *LinuxAdapter) Listen(serviceUUID string) (ChannelListener, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	channel := rfcommChannel(serviceUUID)
	sa := &unix.SockaddrRFCOMM{Channel: channel}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm bind channel %d: %w", channel, err)
	}
	if err := unix.Listen(fd, 4); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm listen channel %d: %w", channel, err)
	}

	a.log.Debug().Uint8("channel", channel).Str("service", serviceUUID).Msg("rfcomm channel bound")
	return &rfcommListener{fd: fd}, nil
}

type rfcommListener struct {
	fd int
}

func (l *rfcommListener) Accept() (io.ReadWriteCloser, string, error) {
	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		return nil, "", fmt.Errorf("rfcomm accept: %w", err)
	}

	remote := ""
	if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
		remote = formatBluetoothAddr(rc.Addr)
	}

	stream, err := fdToStream(nfd, remote)
	if err != nil {
		return nil, "", err
	}
	return stream, remote, nil
}

// Close unblocks a pending Accept.
func (l *rfcommListener) Close() error {
	return unix.Close(l.fd)
}

// fdToStream hands the socket to an os.File in non-blocking mode so it joins
// the runtime poller and the deadline methods work.
func fdToStream(fd int, name string) (io.ReadWriteCloser, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+name), nil
}

// parseBluetoothAddr converts the colon-separated string form into the
// little-endian byte order sockaddr_rc expects.
func parseBluetoothAddr(mac string) ([6]byte, error) {
	var addr [6]byte

	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("malformed bluetooth address %q", mac)
	}
	for i, part := range parts {
		b, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("malformed bluetooth address %q", mac)
		}
		addr[5-i] = byte(b)
	}
	return addr, nil
}

func formatBluetoothAddr(addr [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}
