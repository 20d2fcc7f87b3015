package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/olafkfreund/cosmic-connect/proto"
)

// udpReadBuffer comfortably fits an identity packet; anything larger is not
// a discovery datagram we care about.
const udpReadBuffer = 8192

// bindUDP opens the shared announce/listen socket with SO_BROADCAST set.
func (d *Discovery) bindUDP(ctx context.Context) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlBroadcast}

	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", d.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", d.cfg.Port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("bind discovery port %d: not a UDP socket", d.cfg.Port)
	}

	d.log.Info().Int("port", d.cfg.Port).Msg("udp discovery listening")
	return conn, nil
}

// announceLoop broadcasts the local identity on start and then on a jittered
// interval until ctx is done.
func (d *Discovery) announceLoop(ctx context.Context, conn *net.UDPConn) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		d.announceOnce(conn)
		timer.Reset(jitter(d.cfg.Interval))
	}
}

// jitter stretches the interval by up to a quarter so devices booted
// together drift apart.
func jitter(interval time.Duration) time.Duration {
	return interval + time.Duration(rand.Int63n(int64(interval/4)+1))
}

func (d *Discovery) announceOnce(conn *net.UDPConn) {
	pkt, err := proto.NewIdentityPacket(d.identity())
	if err != nil {
		d.log.Error().Err(err).Msg("could not build identity announcement")
		return
	}

	data, err := proto.Marshal(pkt)
	if err != nil {
		d.log.Error().Err(err).Msg("could not encode identity announcement")
		return
	}

	targets := append(broadcastAddrs(), net.IPv4bcast)
	sent := 0
	for _, ip := range targets {
		dst := &net.UDPAddr{IP: ip, Port: d.cfg.Port}
		if _, err := conn.WriteToUDP(data, dst); err != nil {
			// Unreachable networks are normal on multi-homed hosts.
			d.log.Debug().Err(err).Str("target", dst.String()).Msg("broadcast write failed")
			continue
		}
		sent++
	}

	d.log.Debug().Int("targets", sent).Msg("identity announced")
}

// listenLoop reads datagrams until the socket is closed.
func (d *Discovery) listenLoop(conn *net.UDPConn) {
	buf := make([]byte, udpReadBuffer)

	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed on shutdown.
			return
		}

		d.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram decodes one announcement. Anything that is not a foreign
// identity packet is dropped quietly; the discovery port sees all kinds of
// noise.
func (d *Discovery) handleDatagram(data []byte, addr *net.UDPAddr) {
	pkt, err := proto.Unmarshal(data)
	if err != nil {
		d.log.Debug().Err(err).Str("from", addr.String()).Msg("undecodable datagram")
		return
	}

	if pkt.Type != proto.TypeIdentity {
		return
	}

	ident, err := proto.ParseIdentity(pkt)
	if err != nil {
		d.log.Debug().Err(err).Str("from", addr.String()).Msg("bad identity announcement")
		return
	}

	if ident.DeviceID == d.localID {
		return
	}

	d.log.Debug().Str("device", ident.DeviceID).Str("name", ident.DeviceName).
		Str("addr", addr.IP.String()).Msg("peer announced via udp")

	d.emit(Event{Identity: ident, Addr: addr.IP.String(), Source: SourceUDP})
}

// broadcastAddrs computes the directed broadcast address of every usable
// IPv4 interface. The limited broadcast address is appended by the caller.
func broadcastAddrs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagBroadcast == 0 {
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

			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}

			mask := net.IP(ipnet.Mask).To4()
			if mask == nil {
				continue
			}

			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, bcast)
		}
	}

	return out
}
