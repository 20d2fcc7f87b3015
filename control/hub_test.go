package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olafkfreund/cosmic-connect/device"
	"github.com/olafkfreund/cosmic-connect/logger"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Registration happens just after the upgrade; wait for it before
	// broadcasting anything.
	require.Eventually(t, func() bool { return h.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubBroadcastsDeviceUpdated(t *testing.T) {
	h := NewHub(logger.NewNop())
	t.Cleanup(h.Close)

	conn := dialHub(t, h)

	h.DeviceUpdated(device.Snapshot{
		ID:           "phone-1",
		Name:         "Phone",
		PairState:    "unpaired",
		Reachability: device.ReachabilityDiscovered,
	})

	ev := readEvent(t, conn)
	assert.Equal(t, EventDeviceUpdated, ev.Kind)
	require.NotNil(t, ev.Device)
	assert.Equal(t, "phone-1", ev.Device.ID)
	assert.Nil(t, ev.Paired)
}

func TestHubBroadcastsPairingResolved(t *testing.T) {
	h := NewHub(logger.NewNop())
	t.Cleanup(h.Close)

	conn := dialHub(t, h)

	h.PairingResolved(device.Snapshot{ID: "phone-1", PairState: "paired"}, true, "")

	ev := readEvent(t, conn)
	assert.Equal(t, EventPairingResolved, ev.Kind)
	require.NotNil(t, ev.Paired)
	assert.True(t, *ev.Paired)
}

func TestHubBroadcastsDeviceRemoved(t *testing.T) {
	h := NewHub(logger.NewNop())
	t.Cleanup(h.Close)

	conn := dialHub(t, h)

	h.DeviceRemoved("phone-1")

	ev := readEvent(t, conn)
	assert.Equal(t, EventDeviceRemoved, ev.Kind)
	assert.Equal(t, "phone-1", ev.DeviceID)
	assert.Nil(t, ev.Device)
}

func TestHubDropsClosedSubscriber(t *testing.T) {
	h := NewHub(logger.NewNop())
	t.Cleanup(h.Close)

	conn := dialHub(t, h)
	conn.Close()

	require.Eventually(t, func() bool { return h.SubscriberCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Broadcasting into the emptied hub must not panic or block.
	h.DeviceRemoved("phone-1")
}

func TestHubBroadcastWithoutSubscribers(t *testing.T) {
	h := NewHub(logger.NewNop())

	h.DeviceUpdated(device.Snapshot{ID: "phone-1"})
	h.PairingRequested(device.Snapshot{ID: "phone-1"})
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	h := NewHub(logger.NewNop())

	dialHub(t, h)
	require.Equal(t, 1, h.SubscriberCount())

	h.Close()
	assert.Equal(t, 0, h.SubscriberCount())
}
