package transport

import (
	"context"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/trust"
)

// RFCOMM frames carry an 8-byte header: sequence marker (4), chunk index (2),
// then chunk length (2) with the high bit flagging the final chunk of a unit.
// Every write stays at or under BluetoothWriteCeiling.
const (
	btHeaderSize   = 8
	btMaxChunkData = BluetoothWriteCeiling - btHeaderSize
	btLastFlag     = 0x8000
	btLengthMask   = 0x7fff
)

// Adapter abstracts the platform Bluetooth stack so the framing and the
// engine above it can run against a fake in tests. Dial opens an RFCOMM
// stream to the peer's channel for the given service UUID; Listen registers
// the local end of that channel.
type Adapter interface {
	Dial(ctx context.Context, mac, serviceUUID string) (io.ReadWriteCloser, error)
	Listen(serviceUUID string) (ChannelListener, error)
}

// ChannelListener accepts inbound RFCOMM streams for one service UUID.
type ChannelListener interface {
	Accept() (stream io.ReadWriteCloser, remote string, err error)
	Close() error
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// BluetoothConn is a Conn over an RFCOMM stream. There is no TLS here; each
// side presents its certificate in DER form as the first framed unit, and the
// fingerprint of that certificate feeds the same trust checks as a TLS
// session.
type BluetoothConn struct {
	stream  io.ReadWriteCloser
	remote  string
	timeout time.Duration

	writeMu sync.Mutex
	sendSeq uint32

	closeOnce sync.Once
	closeErr  error

	peerFingerprint string
}

// DialBluetooth opens the protocol channel on the peer identified by mac and
// runs the certificate exchange.
func DialBluetooth(ctx context.Context, adapter Adapter, mac string, localCertDER []byte) (*BluetoothConn, error) {
	stream, err := adapter.Dial(ctx, mac, ServiceUUID)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: mac, Err: timeoutError(err)}
	}

	conn, err := newBluetoothConn(stream, mac, localCertDER)
	if err != nil {
		stream.Close()
		return nil, &TransportError{Op: "dial", Addr: mac, Err: err}
	}
	return conn, nil
}

// newBluetoothConn wraps an established stream and performs the certificate
// exchange: send ours, then read and validate the peer's. Both sides write
// first; certificates fit comfortably in the socket buffers, so the
// symmetric order cannot deadlock.
func newBluetoothConn(stream io.ReadWriteCloser, remote string, localCertDER []byte) (*BluetoothConn, error) {
	c := &BluetoothConn{
		stream:  stream,
		remote:  remote,
		timeout: OperationTimeout,
	}

	if err := c.Send(localCertDER); err != nil {
		return nil, fmt.Errorf("present certificate: %w", err)
	}

	peerDER, err := c.receiveUnit(true)
	if err != nil {
		return nil, fmt.Errorf("read peer certificate: %w", err)
	}
	if _, err := x509.ParseCertificate(peerDER); err != nil {
		return nil, fmt.Errorf("parse peer certificate: %w", err)
	}

	c.peerFingerprint = trust.FingerprintDER(peerDER)
	return c, nil
}

func (c *BluetoothConn) Send(data []byte) error {
	if len(data) > MaxPacketSize {
		return &TransportError{Op: "send", Addr: c.remote, Err: ErrUnitTooLarge}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	seq := c.sendSeq
	c.sendSeq++

	frame := make([]byte, 0, BluetoothWriteCeiling)
	for index, sent := 0, 0; ; index++ {
		chunk := data[sent:]
		if len(chunk) > btMaxChunkData {
			chunk = chunk[:btMaxChunkData]
		}
		sent += len(chunk)

		lengthField := uint16(len(chunk))
		if sent == len(data) {
			lengthField |= btLastFlag
		}

		frame = frame[:btHeaderSize]
		binary.BigEndian.PutUint32(frame[0:4], seq)
		binary.BigEndian.PutUint16(frame[4:6], uint16(index))
		binary.BigEndian.PutUint16(frame[6:8], lengthField)
		frame = append(frame, chunk...)

		c.setWriteDeadline()
		if _, err := c.stream.Write(frame); err != nil {
			return &TransportError{Op: "send", Addr: c.remote, Err: timeoutError(err)}
		}

		if sent == len(data) {
			return nil
		}
	}
}

func (c *BluetoothConn) Receive() ([]byte, error) {
	return c.receiveUnit(false)
}

// receiveUnit reassembles one unit. The wait for the first chunk has no
// deadline unless deadlineFirst is set (an idle link is healthy); once a unit
// starts arriving, the remaining chunks must land within the timeout.
func (c *BluetoothConn) receiveUnit(deadlineFirst bool) ([]byte, error) {
	var (
		unit    []byte
		unitSeq uint32
	)

	for index := 0; ; index++ {
		c.setReadDeadline(index > 0 || deadlineFirst)

		var header [btHeaderSize]byte
		if _, err := io.ReadFull(c.stream, header[:]); err != nil {
			if err == io.EOF && index == 0 {
				return nil, &TransportError{Op: "receive", Addr: c.remote, Err: ErrClosed}
			}
			return nil, &TransportError{Op: "receive", Addr: c.remote, Err: timeoutError(err)}
		}

		seq := binary.BigEndian.Uint32(header[0:4])
		chunkIndex := binary.BigEndian.Uint16(header[4:6])
		lengthField := binary.BigEndian.Uint16(header[6:8])
		length := int(lengthField & btLengthMask)
		last := lengthField&btLastFlag != 0

		if index == 0 {
			unitSeq = seq
		}
		if seq != unitSeq || int(chunkIndex) != index {
			return nil, &TransportError{
				Op:   "receive",
				Addr: c.remote,
				Err:  fmt.Errorf("%w: seq %d index %d, want seq %d index %d", ErrChunkOutOfOrder, seq, chunkIndex, unitSeq, index),
			}
		}
		if length > btMaxChunkData {
			return nil, &TransportError{
				Op:   "receive",
				Addr: c.remote,
				Err:  fmt.Errorf("chunk length %d exceeds frame capacity", length),
			}
		}
		if len(unit)+length > MaxPacketSize {
			return nil, &TransportError{Op: "receive", Addr: c.remote, Err: ErrUnitTooLarge}
		}

		chunk := make([]byte, length)
		c.setReadDeadline(true)
		if _, err := io.ReadFull(c.stream, chunk); err != nil {
			return nil, &TransportError{Op: "receive", Addr: c.remote, Err: timeoutError(err)}
		}
		unit = append(unit, chunk...)

		if last {
			return unit, nil
		}
	}
}

func (c *BluetoothConn) setWriteDeadline() {
	if d, ok := c.stream.(deadliner); ok {
		d.SetWriteDeadline(time.Now().Add(c.timeout))
	}
}

func (c *BluetoothConn) setReadDeadline(apply bool) {
	d, ok := c.stream.(deadliner)
	if !ok {
		return
	}
	if apply {
		d.SetReadDeadline(time.Now().Add(c.timeout))
	} else {
		d.SetReadDeadline(time.Time{})
	}
}

func (c *BluetoothConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.stream.Close() })
	return c.closeErr
}

func (c *BluetoothConn) RemoteAddr() string { return c.remote }

func (c *BluetoothConn) PeerFingerprint() string { return c.peerFingerprint }

// BluetoothListener accepts inbound protocol streams, runs the certificate
// exchange on each, and hands established connections to the callback.
type BluetoothListener struct {
	ln           ChannelListener
	localCertDER []byte
	log          logger.Logger

	onConnection func(Conn)
}

func ListenBluetooth(adapter Adapter, localCertDER []byte, log logger.Logger) (*BluetoothListener, error) {
	ln, err := adapter.Listen(ServiceUUID)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}

	return &BluetoothListener{
		ln:           ln,
		localCertDER: localCertDER,
		log:          log.WithComponent("bluetooth"),
	}, nil
}

func (l *BluetoothListener) OnConnection(fn func(Conn)) {
	l.onConnection = fn
}

func (l *BluetoothListener) Serve() error {
	l.log.Info().Msg("bluetooth listener started")

	for {
		stream, remote, err := l.ln.Accept()
		if err != nil {
			return &TransportError{Op: "accept", Err: err}
		}
		go l.establish(stream, remote)
	}
}

func (l *BluetoothListener) establish(stream io.ReadWriteCloser, remote string) {
	conn, err := newBluetoothConn(stream, remote, l.localCertDER)
	if err != nil {
		l.log.Warn().Err(err).Str("addr", remote).Msg("certificate exchange failed")
		stream.Close()
		return
	}

	if l.onConnection == nil {
		l.log.Error().Str("addr", remote).Msg("no connection callback registered")
		conn.Close()
		return
	}
	l.onConnection(conn)
}

func (l *BluetoothListener) Close() error {
	return l.ln.Close()
}
