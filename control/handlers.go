package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/olafkfreund/cosmic-connect/device"
	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/pairing"
	"github.com/olafkfreund/cosmic-connect/plugins/ping"
	"github.com/olafkfreund/cosmic-connect/plugins/share"
	"github.com/olafkfreund/cosmic-connect/proto"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// statusFor maps engine errors onto HTTP statuses: unknown ids are 404,
// preconditions the caller can change are 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDevice),
		errors.Is(err, dispatch.ErrUnknownPlugin):
		return http.StatusNotFound

	case errors.Is(err, device.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, device.ErrNotConnected),
		errors.Is(err, device.ErrNoAddress),
		errors.Is(err, device.ErrBluetoothDisabled),
		errors.Is(err, pairing.ErrNotPaired),
		errors.Is(err, pairing.ErrRequestPending),
		errors.Is(err, pairing.ErrNoPendingRequest),
		errors.Is(err, dispatch.ErrUnsupportedType):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

// deviceAction wraps a registry call keyed by the id path parameter.
func (s *Server) deviceAction(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		*proto.IdentityBody
		Fingerprint string `json:"fingerprint"`
	}{s.localIdentity(), s.fingerprint})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Devices())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, device.ErrUnknownDevice)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Connect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RequestPairing(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	// The outcome arrives later as a pairing.resolved event.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON body")
		return
	}

	peer, err := s.registry.Peer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := ping.Send(peer, req.Message); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClipboard(w http.ResponseWriter, r *http.Request) {
	if s.clipboard == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "clipboard plugin is not available"})
		return
	}

	peer, err := s.registry.Peer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.clipboard.Push(peer); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleShare sends the raw request body as a file. The file name comes from
// the filename query parameter, which keeps the endpoint curl-friendly.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		badRequest(w, "filename query parameter is required")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxShare))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			map[string]string{"error": "request body too large"})
		return
	}

	peer, err := s.registry.Peer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := share.Send(peer, filename, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type pluginStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	names := s.router.PluginNames()

	out := make([]pluginStatus, 0, len(names))
	for _, name := range names {
		out = append(out, pluginStatus{Name: name, Enabled: s.router.Enabled(name)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setPluginEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.router.SetEnabled(chi.URLParam(r, "name"), enabled); err != nil {
			writeError(w, err)
			return
		}

		// The capability lists just changed; connected peers learn now
		// instead of at the next reconnect.
		s.registry.BroadcastIdentity()

		w.WriteHeader(http.StatusNoContent)
	}
}
