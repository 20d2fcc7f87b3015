// Package discovery finds peers on the local network. Two mechanisms run
// side by side: a periodic UDP broadcast of the local identity packet with a
// listener for the same from others, and an mDNS announce/browse pair on the
// _cosmic-connect._udp service. Both feed one event channel consumed by the
// device registry.
//
// Discovery never touches trust. An event only carries a candidate identity
// and an address; everything security-relevant happens later, on the TLS
// connection the registry opens.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
	"github.com/olafkfreund/cosmic-connect/transport"
)

// DefaultInterval is the announce cadence when the config does not set one.
const DefaultInterval = 30 * time.Second

// mdnsService is the service identifier announced and browsed over mDNS.
const mdnsService = "_cosmic-connect._udp"

// Source tells which mechanism produced an event.
type Source string

const (
	SourceUDP  Source = "udp"
	SourceMDNS Source = "mdns"
)

// Event is one sighting of a peer. Addr is the bare host; the TCP port to
// dial is carried inside the identity.
type Event struct {
	Identity *proto.IdentityBody
	Addr     string
	Source   Source
}

// Config controls which mechanisms run and how often they announce.
type Config struct {
	// Port is the UDP port announced to and listened on. Defaults to the
	// protocol port.
	Port int

	// Interval between announcements. A little jitter is added so a fleet
	// of devices booted together does not stay synchronized.
	Interval time.Duration

	EnableBroadcast bool
	EnableMDNS      bool
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = transport.DefaultPort
	}

	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	return c
}

// Discovery runs the announce and listen loops. Create with New, start with
// Run, consume Events until the context ends.
type Discovery struct {
	cfg      Config
	localID  string
	identity func() *proto.IdentityBody
	log      logger.Logger

	events chan Event
}

// New builds a Discovery. identity is called at every announce so capability
// changes are picked up without restarting; localID filters out our own
// announcements heard back.
func New(cfg Config, localID string, identity func() *proto.IdentityBody, log logger.Logger) *Discovery {
	return &Discovery{
		cfg:      cfg.withDefaults(),
		localID:  localID,
		identity: identity,
		log:      log.WithComponent("discovery"),
		events:   make(chan Event, 32),
	}
}

// Events is the stream of peer sightings. The channel is buffered; when the
// consumer falls behind, events are dropped rather than blocking the
// listeners. Discovery is periodic, so a dropped sighting recurs.
func (d *Discovery) Events() <-chan Event {
	return d.events
}

// Run starts the enabled mechanisms and blocks until ctx is canceled. The
// UDP socket is the hard dependency: failing to bind it is an error. mDNS
// announce failure only degrades, browsing still runs.
func (d *Discovery) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	var conn *net.UDPConn
	if d.cfg.EnableBroadcast {
		var err error
		conn, err = d.bindUDP(ctx)
		if err != nil {
			return err
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			d.announceLoop(ctx, conn)
		}()
		go func() {
			defer wg.Done()
			d.listenLoop(conn)
		}()
	}

	var server *mdns.Server
	if d.cfg.EnableMDNS {
		var err error
		server, err = d.announceMDNS()
		if err != nil {
			d.log.Warn().Err(err).Msg("mdns announce unavailable, browsing only")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.browseLoop(ctx)
		}()
	}

	<-ctx.Done()

	// Closing the socket unblocks the listen loop; the other loops watch
	// ctx themselves.
	if conn != nil {
		conn.Close()
	}
	if server != nil {
		server.Shutdown()
	}

	wg.Wait()
	close(d.events)

	return ctx.Err()
}

// emit hands an event to the consumer without ever blocking a listener.
func (d *Discovery) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.log.Debug().Str("device", ev.Identity.DeviceID).
			Msg("event channel full, dropping sighting")
	}
}
