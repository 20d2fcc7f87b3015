// Package clipboard mirrors clipboard content between paired devices. An
// incoming packet's content is written to the system clipboard; Push reads
// the system clipboard and sends it out. The last content this plugin set or
// sent is remembered so an echo from the peer is not applied again.
package clipboard

import (
	"fmt"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
)

// Body is the cosmic.clipboard packet body.
type Body struct {
	Content string `json:"content"`
}

type Plugin struct {
	log logger.Logger

	// System clipboard access, swappable in tests and headless setups.
	readAll  func() (string, error)
	writeAll func(string) error

	mu          sync.Mutex
	lastApplied string
	hasApplied  bool
}

func New(log logger.Logger) *Plugin {
	return &Plugin{
		log:      log.WithComponent("plugin.clipboard"),
		readAll:  clipboard.ReadAll,
		writeAll: clipboard.WriteAll,
	}
}

func (p *Plugin) Name() string { return "clipboard" }

func (p *Plugin) IncomingTypes() []string { return []string{proto.TypeClipboard} }

func (p *Plugin) OutgoingTypes() []string { return []string{proto.TypeClipboard} }

func (p *Plugin) HandlePacket(peer dispatch.Peer, pkt *proto.Packet, _ *dispatch.Payload) error {
	var body Body
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasApplied && body.Content == p.lastApplied {
		p.log.Debug().Str("device", peer.DeviceID()).Msg("clipboard content unchanged, skipping")
		return nil
	}

	// Record before writing so a duplicate packet is suppressed even when
	// the machine has no clipboard to write to.
	p.lastApplied = body.Content
	p.hasApplied = true

	if err := p.writeAll(body.Content); err != nil {
		// Headless hosts have no clipboard; that is not worth failing the
		// packet over.
		p.log.Warn().Err(err).Str("device", peer.DeviceID()).
			Msg("cannot write system clipboard")
		return nil
	}

	p.log.Debug().Str("device", peer.DeviceID()).Int("bytes", len(body.Content)).
		Msg("clipboard applied")

	return nil
}

// Push reads the system clipboard and sends its content to the peer.
func (p *Plugin) Push(peer dispatch.Peer) error {
	content, err := p.readAll()
	if err != nil {
		return fmt.Errorf("read clipboard: %w", err)
	}

	p.mu.Lock()
	p.lastApplied = content
	p.hasApplied = true
	p.mu.Unlock()

	pkt, err := proto.NewPacket(proto.TypeClipboard, &Body{Content: content})
	if err != nil {
		return err
	}

	return peer.SendPacket(pkt)
}
