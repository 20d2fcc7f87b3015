// Package dispatch routes inbound packets to the plugins that claim their
// type and authorizes outbound sends against the peer's advertised
// capabilities. Plugins are registered once at startup and toggled at
// runtime; the capability sets the engine advertises are always derived from
// the currently enabled set.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
)

var (
	ErrUnsupportedType = errors.New("unsupported packet type")
	ErrUnknownPlugin   = errors.New("unknown plugin")
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// CapabilityError reports a send refused because the target never advertised
// the packet type. Matches ErrUnsupportedType under errors.Is.
type CapabilityError struct {
	DeviceID string
	Type     string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("device %s does not accept %q packets", e.DeviceID, e.Type)
}

func (e *CapabilityError) Unwrap() error { return ErrUnsupportedType }

// Payload carries the out-of-band bytes attached to a packet. Untrusted is
// set when the transferred bytes did not match the hash declared in the
// packet body; plugins decide whether to act on such data.
type Payload struct {
	Data      []byte
	Untrusted bool
}

// Peer is the slice of a connected device a plugin is allowed to touch.
type Peer interface {
	DeviceID() string
	DeviceName() string
	SendPacket(pkt *proto.Packet) error

	// SendPacketWithPayload attaches data as an out-of-band payload: the
	// engine stamps the size, hash and transfer info before the packet
	// goes out, and serves the bytes on a single-use channel.
	SendPacketWithPayload(pkt *proto.Packet, data []byte) error
}

// Plugin handles one or more packet types. IncomingTypes and OutgoingTypes
// feed the capability lists exchanged in identity packets.
type Plugin interface {
	Name() string
	IncomingTypes() []string
	OutgoingTypes() []string
	HandlePacket(peer Peer, pkt *proto.Packet, payload *Payload) error
}

type entry struct {
	plugin   Plugin
	enabled  bool
	incoming map[string]struct{}
}

// Router owns the plugin set.
type Router struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	log     logger.Logger
}

func NewRouter(log logger.Logger) *Router {
	return &Router{
		entries: make(map[string]*entry),
		log:     log.WithComponent("dispatch"),
	}
}

// Register adds a plugin, enabled. Packet types in the reserved protocol
// namespace are refused; those are handled by the engine itself.
func (r *Router) Register(p Plugin) error {
	claimed := make([]string, 0, len(p.IncomingTypes())+len(p.OutgoingTypes()))
	claimed = append(claimed, p.IncomingTypes()...)
	claimed = append(claimed, p.OutgoingTypes()...)
	for _, typ := range claimed {
		if err := proto.ValidatePacketType(typ); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}

	incoming := make(map[string]struct{}, len(p.IncomingTypes()))
	for _, typ := range p.IncomingTypes() {
		incoming[typ] = struct{}{}
	}

	r.entries[name] = &entry{plugin: p, enabled: true, incoming: incoming}
	r.order = append(r.order, name)

	r.log.Debug().Str("plugin", name).
		Strs("incoming", p.IncomingTypes()).
		Strs("outgoing", p.OutgoingTypes()).
		Msg("plugin registered")
	return nil
}

// SetEnabled toggles a plugin. Capability sets reflect the change on the
// next read; the engine re-announces identity after toggling.
func (r *Router) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	e.enabled = enabled

	r.log.Info().Str("plugin", name).Bool("enabled", enabled).Msg("plugin toggled")
	return nil
}

func (r *Router) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return ok && e.enabled
}

// PluginNames lists registered plugins in registration order.
func (r *Router) PluginNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// IncomingCapabilities is the union of incoming types across enabled
// plugins, derived fresh on every call so a toggle is never reflected stale.
func (r *Router) IncomingCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sets := make([][]string, 0, len(r.order))
	for _, name := range r.order {
		if e := r.entries[name]; e.enabled {
			sets = append(sets, e.plugin.IncomingTypes())
		}
	}
	return proto.MergeCapabilities(sets...)
}

// OutgoingCapabilities mirrors IncomingCapabilities for the outgoing sets.
func (r *Router) OutgoingCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sets := make([][]string, 0, len(r.order))
	for _, name := range r.order {
		if e := r.entries[name]; e.enabled {
			sets = append(sets, e.plugin.OutgoingTypes())
		}
	}
	return proto.MergeCapabilities(sets...)
}

// Dispatch delivers one packet to every enabled plugin that claims its type.
// A packet nobody claims is dropped with a log line, not an error: remote
// devices may legitimately send types this engine never enabled a plugin
// for. A failing plugin does not stop delivery to the others.
func (r *Router) Dispatch(peer Peer, pkt *proto.Packet, payload *Payload) {
	if proto.IsProtocolType(pkt.Type) {
		r.log.Warn().Str("type", pkt.Type).Str("device", peer.DeviceID()).
			Msg("protocol packet reached the plugin router")
		return
	}

	r.mu.RLock()
	matched := make([]Plugin, 0, 2)
	for _, name := range r.order {
		e := r.entries[name]
		if !e.enabled {
			continue
		}
		if _, ok := e.incoming[pkt.Type]; ok {
			matched = append(matched, e.plugin)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		r.log.Debug().Str("type", pkt.Type).Str("device", peer.DeviceID()).
			Msg("no plugin claims packet type, dropping")
		return
	}

	for _, p := range matched {
		if err := p.HandlePacket(peer, pkt, payload); err != nil {
			r.log.Warn().Err(err).Str("plugin", p.Name()).Str("type", pkt.Type).
				Str("device", peer.DeviceID()).Msg("plugin handler failed")
		}
	}
}

// AuthorizeSend checks an outbound packet type against the capabilities the
// target advertised in its last identity packet. Protocol packets are always
// allowed; pairing must work before any capability is known.
func (r *Router) AuthorizeSend(deviceID string, targetIncoming []string, pktType string) error {
	if proto.IsProtocolType(pktType) {
		return nil
	}
	for _, typ := range targetIncoming {
		if typ == pktType {
			return nil
		}
	}
	return &CapabilityError{DeviceID: deviceID, Type: pktType}
}
