package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
)

// payloadWriteSlice is the granularity for rolling deadlines on bulk
// transfers: steady progress keeps a transfer alive, a stall fails it.
const payloadWriteSlice = 256 * 1024

// PayloadServer offers one payload exactly once. The sender opens it, embeds
// the advertised TransferInfo in the packet, and waits on Done; the first
// connection receives the bytes and the listener shuts down.
type PayloadServer struct {
	ln   net.Listener
	port int
	uuid string
	done chan error

	closeOnce sync.Once
	closeErr  error
}

// ServePayload binds a single-use TLS listener on an ephemeral payload port.
// If nobody claims the payload within the operation timeout the transfer
// fails and the port is released.
func ServePayload(data []byte, cfg *tls.Config, log logger.Logger) (*PayloadServer, error) {
	raw, port, err := listenRange("", PayloadPortFirst, PayloadPortLast)
	if err != nil {
		return nil, err
	}

	if tcpLn, ok := raw.(*net.TCPListener); ok {
		tcpLn.SetDeadline(time.Now().Add(OperationTimeout))
	}

	s := &PayloadServer{
		ln:   tls.NewListener(raw, cfg),
		port: port,
		done: make(chan error, 1),
	}

	go s.serve(data, log.WithComponent("payload"))
	return s, nil
}

// TransferInfo describes where the receiver should fetch from.
func (s *PayloadServer) TransferInfo() *proto.TransferInfo {
	return &proto.TransferInfo{Port: s.port, UUID: s.uuid}
}

// Done yields the transfer outcome: nil once the payload was sent whole, an
// error if the transfer timed out or broke.
func (s *PayloadServer) Done() <-chan error { return s.done }

func (s *PayloadServer) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.ln.Close() })
	return s.closeErr
}

func (s *PayloadServer) serve(data []byte, log logger.Logger) {
	defer s.Close()

	conn, err := s.ln.Accept()
	if err != nil {
		s.done <- &TransportError{Op: "payload accept", Err: timeoutError(err)}
		return
	}
	defer conn.Close()

	if err := writeSliced(conn, data, payloadWriteSlice); err != nil {
		log.Warn().Err(err).Int("port", s.port).Msg("payload send failed")
		s.done <- &TransportError{Op: "payload send", Addr: conn.RemoteAddr().String(), Err: err}
		return
	}

	log.Debug().Int("port", s.port).Int("bytes", len(data)).Msg("payload sent")
	s.done <- nil
}

// FetchPayload dials the advertised port on the packet's source host and
// reads exactly size bytes. A short read is a failed transfer, never a
// partial result.
func FetchPayload(ctx context.Context, host string, port int, size int64, cfg *tls.Config) ([]byte, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: OperationTimeout},
		Config:    cfg,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "payload dial", Addr: addr, Err: timeoutError(err)}
	}
	defer conn.Close()

	data, err := readSized(conn, size)
	if err != nil {
		return nil, &TransportError{Op: "payload fetch", Addr: addr, Err: err}
	}
	return data, nil
}

// BluetoothPayloadServer is the RFCOMM counterpart of PayloadServer: the
// payload is offered on its own channel keyed by a fresh transfer UUID.
type BluetoothPayloadServer struct {
	ln   ChannelListener
	uuid string
	done chan error

	closeOnce sync.Once
	closeErr  error
}

func ServeBluetoothPayload(adapter Adapter, data []byte, log logger.Logger) (*BluetoothPayloadServer, error) {
	transferUUID := uuid.NewString()

	ln, err := adapter.Listen(transferUUID)
	if err != nil {
		return nil, &TransportError{Op: "payload listen", Err: err}
	}

	s := &BluetoothPayloadServer{
		ln:   ln,
		uuid: transferUUID,
		done: make(chan error, 1),
	}

	go s.serve(data, log.WithComponent("payload"))
	return s, nil
}

func (s *BluetoothPayloadServer) TransferInfo() *proto.TransferInfo {
	return &proto.TransferInfo{UUID: s.uuid}
}

func (s *BluetoothPayloadServer) Done() <-chan error { return s.done }

func (s *BluetoothPayloadServer) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.ln.Close() })
	return s.closeErr
}

func (s *BluetoothPayloadServer) serve(data []byte, log logger.Logger) {
	defer s.Close()

	// ChannelListener has no accept deadline; time the wait out ourselves.
	type accepted struct {
		stream io.ReadWriteCloser
		err    error
	}
	ch := make(chan accepted, 1)
	go func() {
		stream, _, err := s.ln.Accept()
		ch <- accepted{stream, err}
	}()

	var stream io.ReadWriteCloser
	select {
	case a := <-ch:
		if a.err != nil {
			s.done <- &TransportError{Op: "payload accept", Err: a.err}
			return
		}
		stream = a.stream
	case <-time.After(OperationTimeout):
		s.Close()
		s.done <- &TransportError{Op: "payload accept", Err: ErrTimeout}
		return
	}
	defer stream.Close()

	// RFCOMM keeps the per-write ceiling even on payload channels.
	if err := writeSliced(stream, data, BluetoothWriteCeiling); err != nil {
		log.Warn().Err(err).Str("transfer", s.uuid).Msg("payload send failed")
		s.done <- &TransportError{Op: "payload send", Err: err}
		return
	}

	log.Debug().Str("transfer", s.uuid).Int("bytes", len(data)).Msg("payload sent")
	s.done <- nil
}

// FetchBluetoothPayload opens the transfer channel on the peer and reads
// exactly size bytes.
func FetchBluetoothPayload(ctx context.Context, adapter Adapter, mac, transferUUID string, size int64) ([]byte, error) {
	stream, err := adapter.Dial(ctx, mac, transferUUID)
	if err != nil {
		return nil, &TransportError{Op: "payload dial", Addr: mac, Err: timeoutError(err)}
	}
	defer stream.Close()

	data, err := readSized(stream, size)
	if err != nil {
		return nil, &TransportError{Op: "payload fetch", Addr: mac, Err: err}
	}
	return data, nil
}

// writeSliced writes data in slices of the given size and refreshes the
// deadline per slice on connections that support one.
func writeSliced(w io.Writer, data []byte, slice int) error {
	d, hasDeadline := w.(deadliner)
	for off := 0; off < len(data); off += slice {
		end := off + slice
		if end > len(data) {
			end = len(data)
		}
		if hasDeadline {
			d.SetWriteDeadline(time.Now().Add(OperationTimeout))
		}
		if _, err := w.Write(data[off:end]); err != nil {
			return timeoutError(err)
		}
	}
	return nil
}

// readSized reads exactly size bytes with a rolling deadline, refusing
// anything short.
func readSized(r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid payload size %d", size)
	}

	d, hasDeadline := r.(deadliner)
	data := make([]byte, size)

	var read int64
	for read < size {
		end := read + payloadWriteSlice
		if end > size {
			end = size
		}
		if hasDeadline {
			d.SetReadDeadline(time.Now().Add(OperationTimeout))
		}
		n, err := io.ReadFull(r, data[read:end])
		read += int64(n)
		if err != nil {
			return nil, fmt.Errorf("payload truncated at %d of %d bytes: %w", read, size, timeoutError(err))
		}
	}
	return data, nil
}
