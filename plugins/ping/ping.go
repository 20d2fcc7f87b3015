// Package ping implements the reachability test plugin. A ping packet
// carries an optional message and expects no reply; delivery itself is the
// signal, so receiving one only produces a log line.
package ping

import (
	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
)

// Body is the cosmic.ping packet body.
type Body struct {
	Message string `json:"message,omitempty"`
}

type Plugin struct {
	log logger.Logger
}

func New(log logger.Logger) *Plugin {
	return &Plugin{log: log.WithComponent("plugin.ping")}
}

func (p *Plugin) Name() string { return "ping" }

func (p *Plugin) IncomingTypes() []string { return []string{proto.TypePing} }

func (p *Plugin) OutgoingTypes() []string { return []string{proto.TypePing} }

func (p *Plugin) HandlePacket(peer dispatch.Peer, pkt *proto.Packet, _ *dispatch.Payload) error {
	var body Body
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}

	p.log.Info().
		Str("device", peer.DeviceID()).
		Str("name", peer.DeviceName()).
		Str("message", body.Message).
		Msg("ping received")

	return nil
}

// Send delivers a ping to the peer. An empty message is fine.
func Send(peer dispatch.Peer, message string) error {
	pkt, err := proto.NewPacket(proto.TypePing, &Body{Message: message})
	if err != nil {
		return err
	}

	return peer.SendPacket(pkt)
}
