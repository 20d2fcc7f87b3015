package control

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/olafkfreund/cosmic-connect/device"
	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/plugins/clipboard"
	"github.com/olafkfreund/cosmic-connect/proto"
)

// Options wires the control server to the engine.
type Options struct {
	ListenAddr string

	Registry *device.Registry
	Router   *dispatch.Router
	Hub      *Hub

	// LocalIdentity mirrors the body announced to peers; it is served on
	// /api/identity together with the certificate fingerprint.
	LocalIdentity func() *proto.IdentityBody
	Fingerprint   string

	// Clipboard backs POST /api/devices/{id}/clipboard. Nil disables the
	// endpoint.
	Clipboard *clipboard.Plugin

	// MaxShareBytes bounds the request body of the share endpoint. Zero
	// falls back to the registry's payload default.
	MaxShareBytes int64

	Log logger.Logger
}

type Server struct {
	registry      *device.Registry
	router        *dispatch.Router
	hub           *Hub
	localIdentity func() *proto.IdentityBody
	fingerprint   string
	clipboard     *clipboard.Plugin
	maxShare      int64
	log           logger.Logger

	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	if opts.MaxShareBytes <= 0 {
		opts.MaxShareBytes = device.DefaultMaxPayloadBytes
	}

	s := &Server{
		registry:      opts.Registry,
		router:        opts.Router,
		hub:           opts.Hub,
		localIdentity: opts.LocalIdentity,
		fingerprint:   opts.Fingerprint,
		clipboard:     opts.Clipboard,
		maxShare:      opts.MaxShareBytes,
		log:           opts.Log.WithComponent("control"),
	}

	s.httpServer = &http.Server{
		Addr:    opts.ListenAddr,
		Handler: s.Routes(),
	}

	return s
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/identity", s.handleIdentity)
	r.Get("/api/devices", s.handleDevices)

	r.Route("/api/devices/{id}", func(r chi.Router) {
		r.Get("/", s.handleDevice)
		r.Delete("/", s.deviceAction(s.registry.Forget))
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.deviceAction(s.registry.Disconnect))
		r.Post("/pair", s.handlePair)
		r.Post("/unpair", s.deviceAction(s.registry.Unpair))
		r.Post("/ping", s.handlePing)
		r.Post("/clipboard", s.handleClipboard)
		r.Post("/share", s.handleShare)
	})

	r.Post("/api/pairing/{id}/accept", s.deviceAction(s.registry.AcceptPairing))
	r.Post("/api/pairing/{id}/reject", s.deviceAction(s.registry.RejectPairing))

	r.Get("/api/plugins", s.handlePlugins)
	r.Post("/api/plugins/{name}/enable", s.setPluginEnabled(true))
	r.Post("/api/plugins/{name}/disable", s.setPluginEnabled(false))

	r.Get("/api/events", s.hub.ServeWS)

	return r
}

// Start serves the control API until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("control API listening")

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
