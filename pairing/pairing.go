// Package pairing implements the trust handshake between two devices: an
// explicit request/confirm exchange of protocol.pair packets. Accepting a
// request pins the peer's live certificate fingerprint in the trust store;
// everything after that rides on the pinned fingerprint, so the handshake
// itself stays deliberately small.
//
// The responder's user confirmation is a suspend point, not a blocking call:
// HandlePacket records the pending request and notifies the UI collaborator,
// then returns. The decision arrives later through Accept or Reject while the
// packet stream keeps flowing.
package pairing

import (
	"errors"
	"sync"
	"time"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
	"github.com/olafkfreund/cosmic-connect/trust"
)

// RequestTimeout is how long a pairing request may sit unanswered, on either
// side, before it self-cancels.
const RequestTimeout = 30 * time.Second

var (
	ErrAlreadyPaired    = errors.New("device is already paired")
	ErrRequestPending   = errors.New("a pairing request is already pending")
	ErrNoPendingRequest = errors.New("no pairing request awaiting a decision")
	ErrNotPaired        = errors.New("device is not paired")
	ErrPairTimeout      = errors.New("pairing request timed out")
)

// State is the pairing position of one device.
type State int

const (
	StateUnpaired State = iota
	StateRequestSent
	StateRequestReceived
	StatePaired
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateRequestSent:
		return "pair_request_sent"
	case StateRequestReceived:
		return "pair_request_received"
	case StatePaired:
		return "paired"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Resolution reasons reported through Notifier.PairingResolved.
const (
	ReasonAccepted     = "accepted"
	ReasonRejected     = "rejected"
	ReasonPeerRejected = "peer_rejected"
	ReasonPeerCanceled = "peer_canceled"
	ReasonPeerUnpaired = "peer_unpaired"
	ReasonUnpaired     = "unpaired"
	ReasonCanceled     = "canceled"
	ReasonTimeout      = "timeout"
	ReasonDisconnect   = "disconnected"
)

// Notifier is the external UI collaborator. PairingRequested surfaces a
// confirmation prompt; PairingResolved reports every terminal outcome,
// including the ones that need no prompt.
type Notifier interface {
	PairingRequested(deviceID, deviceName string)
	PairingResolved(deviceID string, paired bool, reason string)
}

// Deps wires a Manager to its device.
type Deps struct {
	DeviceID   string
	DeviceName func() string // current display name, recorded at trust time

	// Send emits a protocol.pair packet to the device over its live link.
	Send func(pair bool) error

	Trust    *trust.Store
	Notifier Notifier
	Log      logger.Logger

	// Timeout overrides RequestTimeout. Tests shrink it.
	Timeout time.Duration
}

// Manager runs the pairing state machine for one device. All methods are safe
// for concurrent use; notifications fire outside the internal lock so the UI
// collaborator may call straight back in.
type Manager struct {
	deps Deps
	log  logger.Logger

	mu    sync.Mutex
	state State

	// Fingerprint of the session that delivered the pending request,
	// pinned if the local user accepts.
	pendingFingerprint string

	// timerGen invalidates stale expiry callbacks after a transition.
	timerGen int
	timer    *time.Timer
}

// NewManager builds the state machine for one device. A device with an
// existing trust record starts out Paired.
func NewManager(deps Deps) *Manager {
	if deps.Timeout == 0 {
		deps.Timeout = RequestTimeout
	}

	m := &Manager{
		deps: deps,
		log:  logger.FromZerolog(deps.Log.WithComponent("pairing").With().Str("device", deps.DeviceID).Logger()),
	}

	if deps.Trust.IsTrusted(deps.DeviceID) {
		m.state = StatePaired
	}

	return m
}

// State reports the current pairing state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Paired reports whether packets beyond protocol.pair and protocol.identity
// may be dispatched for this device.
func (m *Manager) Paired() bool {
	return m.State() == StatePaired
}

// Request starts pairing from our side: send protocol.pair{pair:true} and
// wait for the peer. The request self-cancels after the timeout.
func (m *Manager) Request() error {
	m.mu.Lock()

	switch m.state {
	case StatePaired:
		m.mu.Unlock()
		return ErrAlreadyPaired
	case StateRequestSent, StateRequestReceived:
		m.mu.Unlock()
		return ErrRequestPending
	}

	m.state = StateRequestSent
	m.armTimerLocked()
	m.mu.Unlock()

	// Send outside the lock; Send may call back into the registry.
	if err := m.deps.Send(true); err != nil {
		m.mu.Lock()
		if m.state == StateRequestSent {
			m.resetLocked()
		}
		m.mu.Unlock()
		return err
	}

	m.log.Info().Msg("pairing requested")
	return nil
}

// Accept resolves a pending incoming request: pin the requesting session's
// fingerprint and confirm to the peer.
func (m *Manager) Accept() error {
	// Resolve the display name before locking; the callback reads device
	// state guarded elsewhere.
	name := m.deps.DeviceName()

	m.mu.Lock()

	if m.state != StateRequestReceived {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}

	fingerprint := m.pendingFingerprint

	if err := m.deps.Trust.Trust(m.deps.DeviceID, name, fingerprint); err != nil {
		m.mu.Unlock()
		return err
	}

	m.becomePairedLocked()
	m.mu.Unlock()

	m.notifyResolved(true, ReasonAccepted)

	return m.deps.Send(true)
}

// Reject resolves a pending incoming request negatively.
func (m *Manager) Reject() error {
	m.mu.Lock()

	if m.state != StateRequestReceived {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}

	m.resetLocked()
	m.mu.Unlock()

	m.notifyResolved(false, ReasonRejected)

	return m.deps.Send(false)
}

// Unpair drops the pairing. From Paired it deletes the stored fingerprint;
// from a pending state it cancels the request. The peer is told either way.
func (m *Manager) Unpair() error {
	m.mu.Lock()

	var reason string

	switch m.state {
	case StatePaired:
		if err := m.deps.Trust.Revoke(m.deps.DeviceID); err != nil {
			m.mu.Unlock()
			return err
		}
		reason = ReasonUnpaired
	case StateRequestSent, StateRequestReceived:
		reason = ReasonCanceled
	default:
		m.mu.Unlock()
		return ErrNotPaired
	}

	m.resetLocked()
	m.mu.Unlock()

	m.notifyResolved(false, reason)
	m.log.Info().Str("reason", reason).Msg("pairing dropped")

	// Best effort: the link may already be gone.
	if err := m.deps.Send(false); err != nil {
		m.log.Debug().Err(err).Msg("could not notify peer of unpair")
	}

	return nil
}

// MarkRevoked flags the device after a trust failure. The stored fingerprint
// is removed; only a fresh explicit pairing clears the flag.
func (m *Manager) MarkRevoked() {
	m.mu.Lock()

	if err := m.deps.Trust.Revoke(m.deps.DeviceID); err != nil {
		m.log.Error().Err(err).Msg("could not drop trust record")
	}

	m.cancelTimerLocked()
	m.state = StateRevoked
	m.pendingFingerprint = ""
	m.mu.Unlock()

	m.log.Warn().Msg("device revoked after trust failure")
}

// ClearRevoked returns a revoked device to Unpaired so an explicit re-pair
// can proceed.
func (m *Manager) ClearRevoked() {
	m.mu.Lock()
	if m.state == StateRevoked {
		m.state = StateUnpaired
	}
	m.mu.Unlock()
}

// SessionClosed cancels any in-flight request when the device's link drops.
// Paired and Revoked states survive disconnection untouched.
func (m *Manager) SessionClosed() {
	m.mu.Lock()

	if m.state != StateRequestSent && m.state != StateRequestReceived {
		m.mu.Unlock()
		return
	}

	m.resetLocked()
	m.mu.Unlock()

	m.notifyResolved(false, ReasonDisconnect)
	m.log.Debug().Msg("pending pairing canceled by disconnect")
}

// HandlePacket processes one protocol.pair packet from the device.
// sessionFingerprint is the certificate fingerprint of the link that
// delivered it.
func (m *Manager) HandlePacket(pkt *proto.Packet, sessionFingerprint string) error {
	body, err := proto.ParsePair(pkt)
	if err != nil {
		return err
	}

	if body.Pair {
		return m.handlePairRequest(sessionFingerprint)
	}

	m.handlePairDrop()
	return nil
}

func (m *Manager) handlePairRequest(sessionFingerprint string) error {
	name := m.deps.DeviceName()

	m.mu.Lock()

	switch m.state {
	case StatePaired:
		// The peer lost its record of us and is re-requesting. Its
		// fingerprint already passed the session trust check, so
		// re-confirm without bothering the user.
		m.mu.Unlock()
		m.log.Debug().Msg("re-confirming pairing for already-paired device")
		return m.deps.Send(true)

	case StateRequestSent:
		// Both sides requested: the peer's request doubles as its
		// acceptance of ours.
		if err := m.deps.Trust.Trust(m.deps.DeviceID, name, sessionFingerprint); err != nil {
			m.mu.Unlock()
			return err
		}

		m.becomePairedLocked()
		m.mu.Unlock()

		m.notifyResolved(true, ReasonAccepted)
		m.log.Info().Msg("pairing accepted by peer")
		return nil

	case StateRequestReceived:
		// Duplicate request; the prompt is already up.
		m.mu.Unlock()
		return nil

	default: // StateUnpaired, StateRevoked
		m.state = StateRequestReceived
		m.pendingFingerprint = sessionFingerprint
		m.armTimerLocked()
		m.mu.Unlock()

		m.log.Info().Msg("pairing requested by peer, awaiting confirmation")
		m.notifyRequested()
		return nil
	}
}

func (m *Manager) handlePairDrop() {
	m.mu.Lock()

	var reason string

	switch m.state {
	case StatePaired:
		if err := m.deps.Trust.Revoke(m.deps.DeviceID); err != nil {
			m.log.Error().Err(err).Msg("could not drop trust record")
		}
		reason = ReasonPeerUnpaired
	case StateRequestSent:
		reason = ReasonPeerRejected
	case StateRequestReceived:
		reason = ReasonPeerCanceled
	default:
		m.mu.Unlock()
		return
	}

	m.resetLocked()
	m.mu.Unlock()

	m.notifyResolved(false, reason)
	m.log.Info().Str("reason", reason).Msg("pairing dropped by peer")
}

// becomePairedLocked moves to Paired and disarms the request timer.
func (m *Manager) becomePairedLocked() {
	m.cancelTimerLocked()
	m.state = StatePaired
	m.pendingFingerprint = ""
}

// resetLocked returns to Unpaired and disarms the request timer.
func (m *Manager) resetLocked() {
	m.cancelTimerLocked()
	m.state = StateUnpaired
	m.pendingFingerprint = ""
}

func (m *Manager) armTimerLocked() {
	m.cancelTimerLocked()

	gen := m.timerGen
	m.timer = time.AfterFunc(m.deps.Timeout, func() { m.expire(gen) })
}

func (m *Manager) cancelTimerLocked() {
	m.timerGen++

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// expire fires when a request outlived the timeout. The generation check
// drops callbacks that lost a race with a real transition.
func (m *Manager) expire(gen int) {
	m.mu.Lock()

	if gen != m.timerGen || (m.state != StateRequestSent && m.state != StateRequestReceived) {
		m.mu.Unlock()
		return
	}

	m.resetLocked()
	m.mu.Unlock()

	m.log.Info().Err(ErrPairTimeout).Msg("pairing request expired")
	m.notifyResolved(false, ReasonTimeout)
}

func (m *Manager) notifyRequested() {
	if m.deps.Notifier == nil {
		return
	}

	m.deps.Notifier.PairingRequested(m.deps.DeviceID, m.deps.DeviceName())
}

func (m *Manager) notifyResolved(paired bool, reason string) {
	if m.deps.Notifier == nil {
		return
	}

	m.deps.Notifier.PairingResolved(m.deps.DeviceID, paired, reason)
}
