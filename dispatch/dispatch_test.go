package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
)

type fakePeer struct {
	id   string
	sent []*proto.Packet
}

func (p *fakePeer) DeviceID() string   { return p.id }
func (p *fakePeer) DeviceName() string { return "Fake " + p.id }

func (p *fakePeer) SendPacket(pkt *proto.Packet) error {
	p.sent = append(p.sent, pkt)
	return nil
}

func (p *fakePeer) SendPacketWithPayload(pkt *proto.Packet, _ []byte) error {
	p.sent = append(p.sent, pkt)
	return nil
}

type fakePlugin struct {
	name     string
	incoming []string
	outgoing []string
	handled  []*proto.Packet
	payloads []*Payload
	fail     error
}

func (p *fakePlugin) Name() string            { return p.name }
func (p *fakePlugin) IncomingTypes() []string { return p.incoming }
func (p *fakePlugin) OutgoingTypes() []string { return p.outgoing }

func (p *fakePlugin) HandlePacket(_ Peer, pkt *proto.Packet, payload *Payload) error {
	p.handled = append(p.handled, pkt)
	p.payloads = append(p.payloads, payload)
	return p.fail
}

func newTestRouter(t *testing.T, plugins ...*fakePlugin) *Router {
	t.Helper()

	r := NewRouter(logger.NewNop())
	for _, p := range plugins {
		require.NoError(t, r.Register(p))
	}
	return r
}

func testPacket(t *testing.T, packetType string) *proto.Packet {
	t.Helper()

	pkt, err := proto.NewPacket(packetType, nil)
	require.NoError(t, err)
	return pkt
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRouter(t, &fakePlugin{name: "ping", incoming: []string{"cosmic.ping"}})

	err := r.Register(&fakePlugin{name: "ping", incoming: []string{"cosmic.ping"}})
	assert.ErrorIs(t, err, ErrDuplicatePlugin)
}

func TestRegisterRejectsReservedTypes(t *testing.T) {
	r := NewRouter(logger.NewNop())

	err := r.Register(&fakePlugin{name: "rogue", incoming: []string{"protocol.pair"}})
	require.Error(t, err)

	err = r.Register(&fakePlugin{name: "rogue", outgoing: []string{"protocol.identity"}})
	require.Error(t, err)
}

func TestCapabilitiesFollowEnabledSet(t *testing.T) {
	ping := &fakePlugin{name: "ping", incoming: []string{"cosmic.ping"}, outgoing: []string{"cosmic.ping"}}
	clip := &fakePlugin{
		name:     "clipboard",
		incoming: []string{"cosmic.clipboard"},
		outgoing: []string{"cosmic.clipboard"},
	}
	r := newTestRouter(t, ping, clip)

	assert.Equal(t, []string{"cosmic.ping", "cosmic.clipboard"}, r.IncomingCapabilities())

	require.NoError(t, r.SetEnabled("clipboard", false))
	assert.Equal(t, []string{"cosmic.ping"}, r.IncomingCapabilities())
	assert.Equal(t, []string{"cosmic.ping"}, r.OutgoingCapabilities())
	assert.False(t, r.Enabled("clipboard"))

	require.NoError(t, r.SetEnabled("clipboard", true))
	assert.Equal(t, []string{"cosmic.ping", "cosmic.clipboard"}, r.IncomingCapabilities())
}

func TestCapabilitiesDeduplicateAcrossPlugins(t *testing.T) {
	a := &fakePlugin{name: "a", incoming: []string{"cosmic.share.request"}}
	b := &fakePlugin{name: "b", incoming: []string{"cosmic.share.request", "cosmic.ping"}}
	r := newTestRouter(t, a, b)

	assert.Equal(t, []string{"cosmic.share.request", "cosmic.ping"}, r.IncomingCapabilities())
}

func TestSetEnabledUnknownPlugin(t *testing.T) {
	r := NewRouter(logger.NewNop())
	assert.ErrorIs(t, r.SetEnabled("ghost", true), ErrUnknownPlugin)
}

func TestDispatchRoutesByType(t *testing.T) {
	ping := &fakePlugin{name: "ping", incoming: []string{"cosmic.ping"}}
	clip := &fakePlugin{name: "clipboard", incoming: []string{"cosmic.clipboard"}}
	r := newTestRouter(t, ping, clip)

	peer := &fakePeer{id: "dev-1"}
	pkt := testPacket(t, "cosmic.ping")

	r.Dispatch(peer, pkt, nil)

	require.Len(t, ping.handled, 1)
	assert.Equal(t, pkt, ping.handled[0])
	assert.Empty(t, clip.handled)
}

func TestDispatchSkipsDisabledPlugins(t *testing.T) {
	ping := &fakePlugin{name: "ping", incoming: []string{"cosmic.ping"}}
	r := newTestRouter(t, ping)
	require.NoError(t, r.SetEnabled("ping", false))

	r.Dispatch(&fakePeer{id: "dev-1"}, testPacket(t, "cosmic.ping"), nil)
	assert.Empty(t, ping.handled)
}

func TestDispatchUnclaimedTypeIsDropped(t *testing.T) {
	ping := &fakePlugin{name: "ping", incoming: []string{"cosmic.ping"}}
	r := newTestRouter(t, ping)

	// Must not panic or error; the drop is logged only.
	r.Dispatch(&fakePeer{id: "dev-1"}, testPacket(t, "cosmic.unknown"), nil)
	assert.Empty(t, ping.handled)
}

func TestDispatchContinuesPastFailingPlugin(t *testing.T) {
	failing := &fakePlugin{
		name:     "first",
		incoming: []string{"cosmic.ping"},
		fail:     errors.New("handler exploded"),
	}
	second := &fakePlugin{name: "second", incoming: []string{"cosmic.ping"}}
	r := newTestRouter(t, failing, second)

	r.Dispatch(&fakePeer{id: "dev-1"}, testPacket(t, "cosmic.ping"), nil)

	assert.Len(t, failing.handled, 1)
	assert.Len(t, second.handled, 1)
}

func TestDispatchPassesPayload(t *testing.T) {
	share := &fakePlugin{name: "share", incoming: []string{"cosmic.share.request"}}
	r := newTestRouter(t, share)

	payload := &Payload{Data: []byte("file bytes"), Untrusted: true}
	r.Dispatch(&fakePeer{id: "dev-1"}, testPacket(t, "cosmic.share.request"), payload)

	require.Len(t, share.payloads, 1)
	assert.True(t, share.payloads[0].Untrusted)
	assert.Equal(t, []byte("file bytes"), share.payloads[0].Data)
}

func TestDispatchIgnoresProtocolTypes(t *testing.T) {
	greedy := &fakePlugin{name: "greedy", incoming: []string{"cosmic.ping"}}
	r := newTestRouter(t, greedy)

	pkt := testPacket(t, proto.TypePair)
	r.Dispatch(&fakePeer{id: "dev-1"}, pkt, nil)
	assert.Empty(t, greedy.handled)
}

func TestAuthorizeSend(t *testing.T) {
	r := NewRouter(logger.NewNop())

	targetIncoming := []string{"cosmic.ping", "cosmic.clipboard"}

	assert.NoError(t, r.AuthorizeSend("dev-1", targetIncoming, "cosmic.ping"))

	err := r.AuthorizeSend("dev-1", targetIncoming, "cosmic.share.request")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "dev-1", capErr.DeviceID)
	assert.Equal(t, "cosmic.share.request", capErr.Type)
}

func TestAuthorizeSendProtocolTypesAlwaysPass(t *testing.T) {
	r := NewRouter(logger.NewNop())

	// Pairing has to work before any capabilities are known.
	assert.NoError(t, r.AuthorizeSend("dev-1", nil, proto.TypePair))
	assert.NoError(t, r.AuthorizeSend("dev-1", nil, proto.TypeIdentity))
}
