package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/olafkfreund/cosmic-connect/proto"
)

// announceMDNS registers the local device in the _cosmic-connect._udp zone.
// The TXT records carry the device id and display name so browsers can skip
// a connection just to learn who answered.
func (d *Discovery) announceMDNS() (*mdns.Server, error) {
	ident := d.identity()

	txt := []string{
		"id=" + ident.DeviceID,
		"name=" + ident.DeviceName,
		"type=" + ident.DeviceType,
	}

	service, err := mdns.NewMDNSService(
		ident.DeviceID, mdnsService, "", "", ident.TCPPort, localIPv4s(), txt)
	if err != nil {
		return nil, err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, err
	}

	d.log.Info().Str("service", mdnsService).Int("port", ident.TCPPort).
		Msg("mdns announce registered")
	return server, nil
}

// browseLoop queries the zone on the announce interval. Each lookup is a
// bounded one-shot; results stream through entriesCh while it runs.
func (d *Discovery) browseLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		d.browseOnce()
		timer.Reset(jitter(d.cfg.Interval))
	}
}

func (d *Discovery) browseOnce() {
	entriesCh := make(chan *mdns.ServiceEntry, 8)

	go func() {
		defer close(entriesCh)
		if err := mdns.Lookup(mdnsService, entriesCh); err != nil {
			d.log.Debug().Err(err).Msg("mdns lookup failed")
		}
	}()

	for entry := range entriesCh {
		d.handleMDNSEntry(entry)
	}
}

// handleMDNSEntry turns one browse result into an event. mDNS answers carry
// only the id, name and type TXT records; the capability lists arrive later
// with the live identity exchange.
func (d *Discovery) handleMDNSEntry(entry *mdns.ServiceEntry) {
	if entry == nil {
		return
	}

	fields := parseTXT(entry.InfoFields)

	id := fields["id"]
	if id == "" || id == d.localID {
		return
	}

	var addr string
	switch {
	case entry.AddrV4 != nil:
		addr = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		addr = entry.AddrV6.String()
	default:
		return
	}

	ident := &proto.IdentityBody{
		DeviceID:   id,
		DeviceName: fields["name"],
		DeviceType: proto.NormalizeDeviceType(fields["type"]),
		TCPPort:    entry.Port,
	}

	d.log.Debug().Str("device", id).Str("addr", addr).Msg("peer announced via mdns")

	d.emit(Event{Identity: ident, Addr: addr, Source: SourceMDNS})
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// localIPv4s lists the host's usable IPv4 addresses for the mDNS zone.
// Returning nil lets the library fall back to a hostname lookup.
func localIPv4s() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				out = append(out, ip4)
			}
		}
	}

	return out
}
