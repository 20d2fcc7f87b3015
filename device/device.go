// Package device holds the authoritative table of known devices and drives
// their connection lifecycle: discovery sightings become Discovered entries,
// connections attach links, identity packets refresh capabilities, pair
// packets feed each device's pairing manager, and everything else flows to
// the plugin router once the device is paired.
package device

import (
	"sync"
	"time"

	"github.com/olafkfreund/cosmic-connect/pairing"
	"github.com/olafkfreund/cosmic-connect/proto"
)

// Reachability describes how a device can currently be reached.
type Reachability string

const (
	// ReachabilityOffline means no address is known and no link is up.
	ReachabilityOffline Reachability = "offline"
	// ReachabilityDiscovered means an address is known from discovery but
	// no connection is established.
	ReachabilityDiscovered Reachability = "discovered"
	// ReachabilityConnected means a live link is attached.
	ReachabilityConnected Reachability = "connected"
)

// Device is one known peer. All fields behind mu; reads take snapshots.
type Device struct {
	mu sync.RWMutex

	id              string
	name            string
	deviceType      string
	protocolVersion int

	incomingCaps []string
	outgoingCaps []string

	// address is the last known IP, bare host without port. tcpPort is the
	// protocol port the device advertised. btAddress is its Bluetooth MAC
	// when it was ever seen over that transport.
	address   string
	tcpPort   int
	btAddress string

	lastSeen time.Time

	link    *link
	pairing *pairing.Manager
}

// Snapshot is a point-in-time copy of a device, safe to hand to API clients.
type Snapshot struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Type            string       `json:"type"`
	ProtocolVersion int          `json:"protocolVersion,omitempty"`
	PairState       string       `json:"pairState"`
	Paired          bool         `json:"paired"`
	Reachability    Reachability `json:"reachability"`
	Address         string       `json:"address,omitempty"`
	TCPPort         int          `json:"tcpPort,omitempty"`

	IncomingCapabilities []string `json:"incomingCapabilities,omitempty"`
	OutgoingCapabilities []string `json:"outgoingCapabilities,omitempty"`

	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// ID returns the stable device identifier.
func (d *Device) ID() string { return d.id }

// Name returns the current display name.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.name
}

// Pairing exposes the device's pairing state machine.
func (d *Device) Pairing() *pairing.Manager { return d.pairing }

func (d *Device) snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := d.pairing.State()

	return Snapshot{
		ID:                   d.id,
		Name:                 d.name,
		Type:                 d.deviceType,
		ProtocolVersion:      d.protocolVersion,
		PairState:            state.String(),
		Paired:               state == pairing.StatePaired,
		Reachability:         d.reachabilityLocked(),
		Address:              d.address,
		TCPPort:              d.tcpPort,
		IncomingCapabilities: copyStrings(d.incomingCaps),
		OutgoingCapabilities: copyStrings(d.outgoingCaps),
		LastSeen:             d.lastSeen,
	}
}

// reachabilityLocked derives the reachability from link and address state.
func (d *Device) reachabilityLocked() Reachability {
	switch {
	case d.link != nil:
		return ReachabilityConnected
	case d.address != "" || d.btAddress != "":
		return ReachabilityDiscovered
	default:
		return ReachabilityOffline
	}
}

// applyIdentity refreshes the mutable identity fields. Capability lists are
// replaced wholesale on every identity packet that carries them, never
// merged; mDNS sightings synthesize identities without the lists and must
// not erase what a live exchange taught us.
func (d *Device) applyIdentity(ident *proto.IdentityBody) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ident.DeviceName != "" {
		d.name = ident.DeviceName
	}
	if ident.DeviceType != "" {
		d.deviceType = proto.NormalizeDeviceType(ident.DeviceType)
	}
	if ident.ProtocolVersion != 0 {
		d.protocolVersion = ident.ProtocolVersion
	}
	if ident.TCPPort != 0 {
		d.tcpPort = ident.TCPPort
	}

	if ident.IncomingCapabilities != nil {
		d.incomingCaps = copyStrings(ident.IncomingCapabilities)
	}
	if ident.OutgoingCapabilities != nil {
		d.outgoingCaps = copyStrings(ident.OutgoingCapabilities)
	}

	d.lastSeen = time.Now()
}

// incomingCapabilities returns what the device last advertised it accepts.
func (d *Device) incomingCapabilities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return copyStrings(d.incomingCaps)
}

// noteAddress records a network address learned from discovery.
func (d *Device) noteAddress(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.address = addr
	d.lastSeen = time.Now()
}

// noteEndpoint records where a live connection actually came from.
func (d *Device) noteEndpoint(kind, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if kind == linkKindBluetooth {
		d.btAddress = addr
	} else {
		d.address = addr
	}
	d.lastSeen = time.Now()
}

// currentLink returns the attached link, or nil when disconnected.
func (d *Device) currentLink() *link {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.link
}

// attachLink swaps in a new link and returns the one it replaced. The
// caller closes the old link outside the device lock.
func (d *Device) attachLink(l *link) *link {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.link
	d.link = l
	d.lastSeen = time.Now()

	return old
}

// detachLink clears the link if it is still the current one. It reports
// whether this call detached it; a stale link losing its connection after
// replacement must not disturb the replacement.
func (d *Device) detachLink(l *link) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link != l {
		return false
	}

	d.link = nil
	return true
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}

	out := make([]string, len(in))
	copy(out, in)
	return out
}
