package pairing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
	"github.com/olafkfreund/cosmic-connect/trust"
)

const peerFingerprint = "aa:bb:cc:dd"

type recordingNotifier struct {
	mu        sync.Mutex
	requested []string
	resolved  []resolution
}

type resolution struct {
	deviceID string
	paired   bool
	reason   string
}

func (n *recordingNotifier) PairingRequested(deviceID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.requested = append(n.requested, deviceID)
}

func (n *recordingNotifier) PairingResolved(deviceID string, paired bool, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.resolved = append(n.resolved, resolution{deviceID, paired, reason})
}

func (n *recordingNotifier) lastResolution(t *testing.T) resolution {
	t.Helper()

	n.mu.Lock()
	defer n.mu.Unlock()

	require.NotEmpty(t, n.resolved)
	return n.resolved[len(n.resolved)-1]
}

func (n *recordingNotifier) resolutionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.resolved)
}

type sentRecorder struct {
	mu   sync.Mutex
	sent []bool
	fail error
}

func (s *sentRecorder) send(pair bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}

	s.sent = append(s.sent, pair)
	return nil
}

func (s *sentRecorder) packets() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bool, len(s.sent))
	copy(out, s.sent)
	return out
}

type fixture struct {
	mgr      *Manager
	store    *trust.Store
	sent     *sentRecorder
	notifier *recordingNotifier
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()

	store, err := trust.NewStore("")
	require.NoError(t, err)

	sent := &sentRecorder{}
	notifier := &recordingNotifier{}

	mgr := NewManager(Deps{
		DeviceID:   "peer-device",
		DeviceName: func() string { return "Peer Device" },
		Send:       sent.send,
		Trust:      store,
		Notifier:   notifier,
		Log:        logger.NewNop(),
		Timeout:    timeout,
	})

	return &fixture{mgr: mgr, store: store, sent: sent, notifier: notifier}
}

func pairPacket(t *testing.T, pair bool) *proto.Packet {
	t.Helper()

	pkt, err := proto.NewPairPacket(pair)
	require.NoError(t, err)
	return pkt
}

func TestRequestThenPeerAccepts(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.Request())
	assert.Equal(t, StateRequestSent, f.mgr.State())
	assert.Equal(t, []bool{true}, f.sent.packets())

	// The peer's pair:true doubles as its acceptance.
	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))

	assert.Equal(t, StatePaired, f.mgr.State())
	assert.True(t, f.mgr.Paired())

	fp, ok := f.store.FingerprintFor("peer-device")
	require.True(t, ok)
	assert.Equal(t, peerFingerprint, fp)

	res := f.notifier.lastResolution(t)
	assert.True(t, res.paired)
	assert.Equal(t, ReasonAccepted, res.reason)
}

func TestRequestThenPeerRejects(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.Request())
	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, false), peerFingerprint))

	assert.Equal(t, StateUnpaired, f.mgr.State())
	assert.False(t, f.store.IsTrusted("peer-device"))

	res := f.notifier.lastResolution(t)
	assert.False(t, res.paired)
	assert.Equal(t, ReasonPeerRejected, res.reason)
}

func TestRequestSendFailureRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	f.sent.fail = errors.New("link down")

	require.Error(t, f.mgr.Request())
	assert.Equal(t, StateUnpaired, f.mgr.State())
}

func TestRequestWhilePending(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.Request())
	assert.ErrorIs(t, f.mgr.Request(), ErrRequestPending)
}

func TestTrustedDeviceStartsPaired(t *testing.T) {
	store, err := trust.NewStore("")
	require.NoError(t, err)
	require.NoError(t, store.Trust("peer-device", "Peer Device", peerFingerprint))

	mgr := NewManager(Deps{
		DeviceID:   "peer-device",
		DeviceName: func() string { return "Peer Device" },
		Send:       func(bool) error { return nil },
		Trust:      store,
		Log:        logger.NewNop(),
	})

	assert.Equal(t, StatePaired, mgr.State())
	assert.ErrorIs(t, mgr.Request(), ErrAlreadyPaired)
}

func TestIncomingRequestSurfacesPromptAndAccept(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))

	assert.Equal(t, StateRequestReceived, f.mgr.State())
	assert.Equal(t, []string{"peer-device"}, f.notifier.requested)
	assert.Empty(t, f.sent.packets(), "no reply before the user decides")

	require.NoError(t, f.mgr.Accept())

	assert.Equal(t, StatePaired, f.mgr.State())
	assert.Equal(t, []bool{true}, f.sent.packets())

	rec, ok := f.store.Get("peer-device")
	require.True(t, ok)
	assert.Equal(t, peerFingerprint, rec.Fingerprint)
	assert.Equal(t, "Peer Device", rec.Name)

	res := f.notifier.lastResolution(t)
	assert.True(t, res.paired)
	assert.Equal(t, ReasonAccepted, res.reason)
}

func TestIncomingRequestReject(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.Reject())

	assert.Equal(t, StateUnpaired, f.mgr.State())
	assert.Equal(t, []bool{false}, f.sent.packets())
	assert.False(t, f.store.IsTrusted("peer-device"))

	res := f.notifier.lastResolution(t)
	assert.Equal(t, ReasonRejected, res.reason)
}

func TestDuplicateIncomingRequestPromptsOnce(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))

	assert.Len(t, f.notifier.requested, 1)
}

func TestAcceptWithoutPendingRequest(t *testing.T) {
	f := newFixture(t, 0)

	assert.ErrorIs(t, f.mgr.Accept(), ErrNoPendingRequest)
	assert.ErrorIs(t, f.mgr.Reject(), ErrNoPendingRequest)
}

func TestRequestTimesOut(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	require.NoError(t, f.mgr.Request())

	assert.Eventually(t, func() bool {
		return f.notifier.resolutionCount() > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateUnpaired, f.mgr.State())

	res := f.notifier.lastResolution(t)
	assert.False(t, res.paired)
	assert.Equal(t, ReasonTimeout, res.reason)
}

func TestIncomingRequestTimesOut(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))

	assert.Eventually(t, func() bool {
		return f.mgr.State() == StateUnpaired
	}, time.Second, 5*time.Millisecond)
}

func TestTimerDisarmedOnAccept(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.Accept())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StatePaired, f.mgr.State(), "expiry must not fire after acceptance")
}

func TestUnpairDeletesFingerprint(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.Accept())
	require.True(t, f.store.IsTrusted("peer-device"))

	require.NoError(t, f.mgr.Unpair())

	assert.Equal(t, StateUnpaired, f.mgr.State())
	assert.False(t, f.store.IsTrusted("peer-device"))
	assert.Equal(t, []bool{true, false}, f.sent.packets())

	res := f.notifier.lastResolution(t)
	assert.Equal(t, ReasonUnpaired, res.reason)
}

func TestUnpairWhenNotPaired(t *testing.T) {
	f := newFixture(t, 0)

	assert.ErrorIs(t, f.mgr.Unpair(), ErrNotPaired)
}

func TestPeerUnpairsWhilePaired(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.Accept())

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, false), peerFingerprint))

	assert.Equal(t, StateUnpaired, f.mgr.State())
	assert.False(t, f.store.IsTrusted("peer-device"))

	res := f.notifier.lastResolution(t)
	assert.Equal(t, ReasonPeerUnpaired, res.reason)
}

func TestPairDropWhileUnpairedIsIgnored(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, false), peerFingerprint))

	assert.Equal(t, StateUnpaired, f.mgr.State())
	assert.Zero(t, f.notifier.resolutionCount())
}

func TestRepeatedRequestWhilePairedReconfirms(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.Accept())

	// The peer lost its trust record and asks again; no new prompt, just a
	// confirmation reply.
	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))

	assert.Equal(t, StatePaired, f.mgr.State())
	assert.Len(t, f.notifier.requested, 1)
	assert.Equal(t, []bool{true, true}, f.sent.packets())
}

func TestSessionClosedCancelsPendingRequest(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.Request())
	f.mgr.SessionClosed()

	assert.Equal(t, StateUnpaired, f.mgr.State())
	assert.Equal(t, ReasonDisconnect, f.notifier.lastResolution(t).reason)
}

func TestSessionClosedKeepsPairing(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.Accept())

	// Trust survives disconnection.
	f.mgr.SessionClosed()
	assert.Equal(t, StatePaired, f.mgr.State())
}

func TestMarkRevoked(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	require.NoError(t, f.mgr.Accept())

	f.mgr.MarkRevoked()

	assert.Equal(t, StateRevoked, f.mgr.State())
	assert.False(t, f.mgr.Paired())
	assert.False(t, f.store.IsTrusted("peer-device"))

	// An incoming request may still surface a prompt: re-pairing after
	// revocation is an explicit user decision.
	require.NoError(t, f.mgr.HandlePacket(pairPacket(t, true), peerFingerprint))
	assert.Equal(t, StateRequestReceived, f.mgr.State())
}

func TestClearRevoked(t *testing.T) {
	f := newFixture(t, 0)

	f.mgr.MarkRevoked()
	f.mgr.ClearRevoked()

	assert.Equal(t, StateUnpaired, f.mgr.State())
}

func TestHandlePacketRejectsWrongType(t *testing.T) {
	f := newFixture(t, 0)

	pkt, err := proto.NewPacket(proto.TypeIdentity, nil)
	require.NoError(t, err)

	require.Error(t, f.mgr.HandlePacket(pkt, peerFingerprint))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "unpaired", StateUnpaired.String())
	assert.Equal(t, "pair_request_sent", StateRequestSent.String())
	assert.Equal(t, "pair_request_received", StateRequestReceived.String())
	assert.Equal(t, "paired", StatePaired.String())
	assert.Equal(t, "revoked", StateRevoked.String())
}
