package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olafkfreund/cosmic-connect/logger"
)

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
		return nil
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	sender := testIdentity(t, "sender-device")
	receiver := testIdentity(t, "receiver-device")

	data := patternUnit(600 * 1024)

	srv, err := ServePayload(data, sender.ServerTLSConfig(), logger.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	info := srv.TransferInfo()
	assert.GreaterOrEqual(t, info.Port, PayloadPortFirst)
	assert.LessOrEqual(t, info.Port, PayloadPortLast)

	got, err := FetchPayload(context.Background(), "127.0.0.1", info.Port, int64(len(data)), receiver.ClientTLSConfig())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, waitDone(t, srv.Done()))
}

func TestPayloadListenerIsSingleUse(t *testing.T) {
	sender := testIdentity(t, "sender-device")
	receiver := testIdentity(t, "receiver-device")

	data := patternUnit(64)

	srv, err := ServePayload(data, sender.ServerTLSConfig(), logger.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	info := srv.TransferInfo()

	_, err = FetchPayload(context.Background(), "127.0.0.1", info.Port, int64(len(data)), receiver.ClientTLSConfig())
	require.NoError(t, err)
	require.NoError(t, waitDone(t, srv.Done()))

	_, err = FetchPayload(context.Background(), "127.0.0.1", info.Port, int64(len(data)), receiver.ClientTLSConfig())
	require.Error(t, err, "the listener must release the port after one transfer")
}

func TestPayloadShortTransferFails(t *testing.T) {
	sender := testIdentity(t, "sender-device")
	receiver := testIdentity(t, "receiver-device")

	srv, err := ServePayload(patternUnit(10), sender.ServerTLSConfig(), logger.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	// The receiver expects more bytes than the sender has; a truncated
	// transfer is an error, never a partial result.
	_, err = FetchPayload(context.Background(), "127.0.0.1", srv.TransferInfo().Port, 64, receiver.ClientTLSConfig())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "payload fetch", terr.Op)
}

func TestBluetoothPayloadRoundTrip(t *testing.T) {
	fabric := newLoopbackAdapter()

	data := patternUnit(100 * 1024)

	srv, err := ServeBluetoothPayload(fabric, data, logger.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	info := srv.TransferInfo()
	require.NotEmpty(t, info.UUID)
	assert.Zero(t, info.Port)

	got, err := FetchBluetoothPayload(context.Background(), fabric, "AA:BB:CC:DD:EE:01", info.UUID, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, waitDone(t, srv.Done()))
}

func TestBluetoothPayloadUnknownTransfer(t *testing.T) {
	fabric := newLoopbackAdapter()

	_, err := FetchBluetoothPayload(context.Background(), fabric, "AA:BB:CC:DD:EE:01", "no-such-transfer", 16)
	require.Error(t, err)
}
