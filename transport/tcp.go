package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/trust"
)

// TCPConn is a Conn over TLS. Units are newline-delimited: Send appends the
// separator, Receive strips it.
type TCPConn struct {
	conn    *tls.Conn
	scanner *bufio.Scanner

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	remote      string
	fingerprint string
}

// DialTCP connects to addr and completes the TLS handshake. The dialer acts
// as the TLS client regardless of which side initiates pairing later.
func DialTCP(ctx context.Context, addr string, cfg *tls.Config) (*TCPConn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: OperationTimeout},
		Config:    cfg,
	}

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: timeoutError(err)}
	}

	conn, err := newTCPConn(raw.(*tls.Conn))
	if err != nil {
		raw.Close()
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	return conn, nil
}

func newTCPConn(conn *tls.Conn) (*TCPConn, error) {
	fingerprint, err := trust.SessionFingerprint(conn.ConnectionState())
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxPacketSize)

	return &TCPConn{
		conn:        conn,
		scanner:     scanner,
		remote:      conn.RemoteAddr().String(),
		fingerprint: fingerprint,
	}, nil
}

func (c *TCPConn) Send(data []byte) error {
	if len(data) > MaxPacketSize {
		return &TransportError{Op: "send", Addr: c.remote, Err: ErrUnitTooLarge}
	}

	framed := make([]byte, 0, len(data)+1)
	framed = append(framed, data...)
	framed = append(framed, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(framed); err != nil {
		return &TransportError{Op: "send", Addr: c.remote, Err: timeoutError(err)}
	}
	return nil
}

func (c *TCPConn) Receive() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, &TransportError{Op: "receive", Addr: c.remote, Err: timeoutError(err)}
		}
		return nil, &TransportError{Op: "receive", Addr: c.remote, Err: ErrClosed}
	}

	// The scanner reuses its buffer on the next Scan.
	line := c.scanner.Bytes()
	unit := make([]byte, len(line))
	copy(unit, line)
	return unit, nil
}

func (c *TCPConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

func (c *TCPConn) RemoteAddr() string { return host(c.remote) }

func (c *TCPConn) PeerFingerprint() string { return c.fingerprint }

// TCPListener accepts TLS protocol connections and hands each one to the
// registered callback once the handshake completes.
type TCPListener struct {
	ln   net.Listener
	cfg  *tls.Config
	log  logger.Logger
	port int

	onConnection func(Conn)
}

// ListenTCP binds the first free port in [firstPort, lastPort] on host and
// wraps it with the given TLS server configuration.
func ListenTCP(host string, firstPort, lastPort int, cfg *tls.Config, log logger.Logger) (*TCPListener, error) {
	ln, port, err := listenRange(host, firstPort, lastPort)
	if err != nil {
		return nil, err
	}

	return &TCPListener{
		ln:   ln,
		cfg:  cfg,
		log:  log.WithComponent("tcp"),
		port: port,
	}, nil
}

func listenRange(host string, firstPort, lastPort int) (net.Listener, int, error) {
	for port := firstPort; port <= lastPort; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			bound := port
			if ta, ok := ln.Addr().(*net.TCPAddr); ok {
				bound = ta.Port
			}
			return ln, bound, nil
		}
	}
	return nil, 0, &TransportError{
		Op:  "listen",
		Err: fmt.Errorf("%w: %d-%d", ErrNoFreePort, firstPort, lastPort),
	}
}

// Port reports the bound protocol port, advertised in identity packets.
func (l *TCPListener) Port() int { return l.port }

func (l *TCPListener) OnConnection(fn func(Conn)) {
	l.onConnection = fn
}

// Serve accepts connections until the listener is closed. Each accepted
// socket is handshaken on its own goroutine so a stalled peer cannot block
// the accept loop.
func (l *TCPListener) Serve() error {
	l.log.Info().Int("port", l.port).Msg("protocol listener started")

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			return &TransportError{Op: "accept", Err: err}
		}
		go l.handshake(raw)
	}
}

func (l *TCPListener) handshake(raw net.Conn) {
	remote := raw.RemoteAddr().String()

	tlsConn := tls.Server(raw, l.cfg)

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		l.log.Warn().Err(err).Str("addr", remote).Msg("tls handshake failed")
		tlsConn.Close()
		return
	}

	conn, err := newTCPConn(tlsConn)
	if err != nil {
		l.log.Warn().Err(err).Str("addr", remote).Msg("rejecting connection")
		tlsConn.Close()
		return
	}

	if l.onConnection == nil {
		l.log.Error().Str("addr", remote).Msg("no connection callback registered")
		conn.Close()
		return
	}
	l.onConnection(conn)
}

func (l *TCPListener) Close() error {
	l.log.Debug().Int("port", l.port).Msg("protocol listener closing")
	return l.ln.Close()
}

// host strips the port from a host:port address, for callers that dial the
// peer again on a different port.
func host(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}
