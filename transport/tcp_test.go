package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/trust"
)

func testIdentity(t *testing.T, deviceID string) *trust.Identity {
	t.Helper()

	id, err := trust.NewEphemeralIdentity(deviceID)
	require.NoError(t, err)
	return id
}

// startTestListener binds a loopback listener and returns accepted
// connections on a channel.
func startTestListener(t *testing.T, id *trust.Identity) (*TCPListener, <-chan Conn) {
	t.Helper()

	ln, err := ListenTCP("127.0.0.1", 0, 0, id.ServerTLSConfig(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan Conn, 1)
	ln.OnConnection(func(c Conn) { accepted <- c })
	go ln.Serve()

	return ln, accepted
}

func acceptConn(t *testing.T, accepted <-chan Conn) Conn {
	t.Helper()

	select {
	case c := <-accepted:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func TestTCPRoundTrip(t *testing.T) {
	server := testIdentity(t, "server-device")
	client := testIdentity(t, "client-device")

	ln, accepted := startTestListener(t, server)

	addr := fmt.Sprintf("127.0.0.1:%d", ln.Port())
	dialed, err := DialTCP(context.Background(), addr, client.ClientTLSConfig())
	require.NoError(t, err)
	defer dialed.Close()

	serverConn := acceptConn(t, accepted)
	defer serverConn.Close()

	// Both sides see the other's certificate fingerprint.
	assert.Equal(t, server.Fingerprint, dialed.PeerFingerprint())
	assert.Equal(t, client.Fingerprint, serverConn.PeerFingerprint())

	require.NoError(t, dialed.Send([]byte(`{"id":1,"type":"cosmic.ping","body":{}}`)))

	unit, err := serverConn.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"type":"cosmic.ping","body":{}}`, string(unit))

	require.NoError(t, serverConn.Send([]byte(`{"id":2,"type":"cosmic.ping","body":{}}`)))

	unit, err = dialed.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"type":"cosmic.ping","body":{}}`, string(unit))
}

func TestTCPSequentialUnits(t *testing.T) {
	server := testIdentity(t, "server-device")
	client := testIdentity(t, "client-device")

	ln, accepted := startTestListener(t, server)

	dialed, err := DialTCP(context.Background(), fmt.Sprintf("127.0.0.1:%d", ln.Port()), client.ClientTLSConfig())
	require.NoError(t, err)
	defer dialed.Close()

	serverConn := acceptConn(t, accepted)
	defer serverConn.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, dialed.Send([]byte(fmt.Sprintf(`{"n":%d}`, i))))
	}
	for i := 0; i < 5; i++ {
		unit, err := serverConn.Receive()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(unit))
	}
}

func TestTCPSendTooLarge(t *testing.T) {
	server := testIdentity(t, "server-device")
	client := testIdentity(t, "client-device")

	ln, accepted := startTestListener(t, server)

	dialed, err := DialTCP(context.Background(), fmt.Sprintf("127.0.0.1:%d", ln.Port()), client.ClientTLSConfig())
	require.NoError(t, err)
	defer dialed.Close()

	serverConn := acceptConn(t, accepted)
	defer serverConn.Close()

	err = dialed.Send(make([]byte, MaxPacketSize+1))
	assert.ErrorIs(t, err, ErrUnitTooLarge)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "send", terr.Op)
}

func TestTCPReceiveAfterPeerClose(t *testing.T) {
	server := testIdentity(t, "server-device")
	client := testIdentity(t, "client-device")

	ln, accepted := startTestListener(t, server)

	dialed, err := DialTCP(context.Background(), fmt.Sprintf("127.0.0.1:%d", ln.Port()), client.ClientTLSConfig())
	require.NoError(t, err)
	defer dialed.Close()

	serverConn := acceptConn(t, accepted)
	serverConn.Close()

	_, err = dialed.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTCPListenerRequiresClientCertificate(t *testing.T) {
	server := testIdentity(t, "server-device")

	ln, accepted := startTestListener(t, server)

	cfg := testIdentity(t, "client-device").ClientTLSConfig()
	cfg.Certificates = nil

	// Under TLS 1.3 the rejection can surface on the first read instead
	// of at dial time.
	conn, err := DialTCP(context.Background(), fmt.Sprintf("127.0.0.1:%d", ln.Port()), cfg)
	if err == nil {
		_, err = conn.Receive()
		require.Error(t, err)
		conn.Close()
	}

	select {
	case <-accepted:
		t.Fatal("listener accepted a connection without a client certificate")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestListenRangeSkipsBusyPorts(t *testing.T) {
	server := testIdentity(t, "server-device")

	first, err := ListenTCP("127.0.0.1", 42741, 42745, server.ServerTLSConfig(), logger.NewNop())
	require.NoError(t, err)
	defer first.Close()
	require.Equal(t, 42741, first.Port())

	second, err := ListenTCP("127.0.0.1", 42741, 42745, server.ServerTLSConfig(), logger.NewNop())
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, 42742, second.Port())
}

func TestHostStripsPort(t *testing.T) {
	assert.Equal(t, "192.0.2.7", host("192.0.2.7:1716"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", host("AA:BB:CC:DD:EE:FF"))
}
