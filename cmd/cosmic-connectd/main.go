// cosmic-connectd is the device connection daemon: it discovers peers on the
// local network, maintains paired TLS links to them and routes feature
// packets to plugins. A loopback HTTP/WebSocket API exposes the device table
// and pairing decisions to local frontends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olafkfreund/cosmic-connect/config"
	"github.com/olafkfreund/cosmic-connect/control"
	"github.com/olafkfreund/cosmic-connect/device"
	"github.com/olafkfreund/cosmic-connect/discovery"
	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/plugins/clipboard"
	"github.com/olafkfreund/cosmic-connect/plugins/ping"
	"github.com/olafkfreund/cosmic-connect/plugins/share"
	"github.com/olafkfreund/cosmic-connect/proto"
	"github.com/olafkfreund/cosmic-connect/transport"
	"github.com/olafkfreund/cosmic-connect/trust"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "cosmic-connectd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := cfg.EnsureDeviceIdentity(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}

	identity, err := trust.LoadOrCreateIdentity(cfg.Storage.StateDir, cfg.Device.ID)
	if err != nil {
		return err
	}

	store, err := trust.NewStore(cfg.Storage.StateDir)
	if err != nil {
		return err
	}

	router := dispatch.NewRouter(log)
	clipboardPlugin := clipboard.New(log)
	for _, p := range []dispatch.Plugin{
		ping.New(log),
		clipboardPlugin,
		share.New(cfg.Storage.DownloadDir, log),
	} {
		if err := router.Register(p); err != nil {
			return err
		}
	}

	// When the configured port is taken, fall through the protocol range;
	// the bound port travels in identity packets either way.
	lastPort := cfg.Network.TCPPort
	if lastPort < transport.ProtocolPortLast {
		lastPort = transport.ProtocolPortLast
	}

	listener, err := transport.ListenTCP("0.0.0.0", cfg.Network.TCPPort, lastPort,
		identity.ServerTLSConfig(), log)
	if err != nil {
		return err
	}
	defer listener.Close()

	localIdentity := func() *proto.IdentityBody {
		return &proto.IdentityBody{
			DeviceID:             cfg.Device.ID,
			DeviceName:           cfg.Device.Name,
			DeviceType:           proto.NormalizeDeviceType(cfg.Device.Type),
			ProtocolVersion:      proto.ProtocolVersion,
			TCPPort:              listener.Port(),
			IncomingCapabilities: router.IncomingCapabilities(),
			OutgoingCapabilities: router.OutgoingCapabilities(),
		}
	}

	var adapter transport.Adapter
	if cfg.Bluetooth.Enabled {
		adapter, err = transport.NewAdapter(log)
		if err != nil {
			log.Warn().Err(err).Msg("bluetooth adapter unavailable, continuing without")
			adapter = nil
		}
	}

	hub := control.NewHub(log)
	defer hub.Close()

	registry := device.NewRegistry(device.Options{
		Identity:        identity,
		Trust:           store,
		Router:          router,
		LocalIdentity:   localIdentity,
		Adapter:         adapter,
		Sink:            hub,
		MaxPayloadBytes: cfg.Limits.MaxPayloadBytes,
		Log:             log,
	})
	defer registry.Close()

	listener.OnConnection(registry.AcceptConnection)
	go func() {
		if err := listener.Serve(); err != nil {
			log.Debug().Err(err).Msg("protocol listener stopped")
		}
	}()

	if adapter != nil {
		btListener, err := transport.ListenBluetooth(adapter, identity.CertificateDER(), log)
		if err != nil {
			log.Warn().Err(err).Msg("bluetooth listener unavailable, continuing without")
		} else {
			defer btListener.Close()

			btListener.OnConnection(registry.AcceptBluetoothConnection)
			go func() {
				if err := btListener.Serve(); err != nil {
					log.Debug().Err(err).Msg("bluetooth listener stopped")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disc := discovery.New(discovery.Config{
		Port:            cfg.Network.TCPPort,
		Interval:        cfg.Network.DiscoveryInterval.Duration,
		EnableBroadcast: cfg.Network.EnableBroadcast,
		EnableMDNS:      cfg.Network.EnableMDNS,
	}, cfg.Device.ID, localIdentity, log)

	go func() {
		if err := disc.Run(ctx); err != nil {
			log.Error().Err(err).Msg("discovery failed")
		}
	}()
	go func() {
		for ev := range disc.Events() {
			registry.HandleDiscoveryEvent(ev)
		}
	}()

	ctl := control.NewServer(control.Options{
		ListenAddr:    cfg.Control.ListenAddr,
		Registry:      registry,
		Router:        router,
		Hub:           hub,
		LocalIdentity: localIdentity,
		Fingerprint:   identity.Fingerprint,
		Clipboard:     clipboardPlugin,
		MaxShareBytes: cfg.Limits.MaxPayloadBytes,
		Log:           log,
	})
	go func() {
		if err := ctl.Start(); err != nil {
			log.Error().Err(err).Msg("control API failed")
			stop()
		}
	}()

	if cfg.Control.EnableMCP {
		mcpServer := control.NewMCPServer(registry, log)
		go func() {
			if err := mcpServer.Start(); err != nil {
				log.Warn().Err(err).Msg("mcp server stopped")
			}
		}()
	}

	log.Info().
		Str("device_id", cfg.Device.ID).
		Str("name", cfg.Device.Name).
		Int("port", listener.Port()).
		Str("fingerprint", identity.Fingerprint).
		Msg("daemon started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ctl.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control API shutdown failed")
	}

	return nil
}
