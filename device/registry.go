package device

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/olafkfreund/cosmic-connect/discovery"
	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/pairing"
	"github.com/olafkfreund/cosmic-connect/proto"
	"github.com/olafkfreund/cosmic-connect/transport"
	"github.com/olafkfreund/cosmic-connect/trust"
)

// DefaultMaxPayloadBytes bounds a single payload transfer in either
// direction unless the configuration overrides it.
const DefaultMaxPayloadBytes int64 = 64 << 20

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrNotConnected      = errors.New("device is not connected")
	ErrNoAddress         = errors.New("no address known for device")
	ErrPayloadTooLarge   = errors.New("payload exceeds the configured limit")
	ErrBluetoothDisabled = errors.New("bluetooth transport is not available")
	ErrSelfConnection    = errors.New("connection to our own device id")
)

// EventSink receives registry lifecycle notifications. Implementations must
// not block; a nil sink disables notifications.
type EventSink interface {
	DeviceUpdated(Snapshot)
	DeviceRemoved(deviceID string)
	PairingRequested(Snapshot)
	PairingResolved(snap Snapshot, paired bool, reason string)
}

// Options wires a Registry to the rest of the engine.
type Options struct {
	Identity *trust.Identity
	Trust    *trust.Store
	Router   *dispatch.Router

	// LocalIdentity builds the identity body announced to peers. Called
	// on every exchange so capability toggles are picked up live.
	LocalIdentity func() *proto.IdentityBody

	// Adapter enables the Bluetooth transport when non-nil.
	Adapter transport.Adapter

	Sink EventSink

	MaxPayloadBytes int64
	PairingTimeout  time.Duration

	Log logger.Logger
}

// Registry is the authoritative device table. It owns every link's reader
// loop and is the only component that mutates device state.
type Registry struct {
	identity       *trust.Identity
	store          *trust.Store
	router         *dispatch.Router
	localIdentity  func() *proto.IdentityBody
	adapter        transport.Adapter
	sink           EventSink
	maxPayload     int64
	pairingTimeout time.Duration
	log            logger.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.RWMutex
	devices map[string]*Device
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		identity:       opts.Identity,
		store:          opts.Trust,
		router:         opts.Router,
		localIdentity:  opts.LocalIdentity,
		adapter:        opts.Adapter,
		sink:           opts.Sink,
		maxPayload:     opts.MaxPayloadBytes,
		pairingTimeout: opts.PairingTimeout,
		log:            opts.Log.WithComponent("registry"),
		baseCtx:        ctx,
		stop:           cancel,
		devices:        make(map[string]*Device),
	}
}

// Close tears down every live link. Reader loops run their normal
// disconnect path as the connections fail.
func (r *Registry) Close() {
	r.stop()

	for _, d := range r.allDevices() {
		if l := d.currentLink(); l != nil {
			l.close()
		}
	}
}

// Devices returns a snapshot of the table, ordered by device id.
func (r *Registry) Devices() []Snapshot {
	all := r.allDevices()

	out := make([]Snapshot, 0, len(all))
	for _, d := range all {
		out = append(out, d.snapshot())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one device's snapshot.
func (r *Registry) Get(id string) (Snapshot, bool) {
	d := r.device(id)
	if d == nil {
		return Snapshot{}, false
	}
	return d.snapshot(), true
}

// Peer returns the plugin-facing handle for a device.
func (r *Registry) Peer(id string) (dispatch.Peer, error) {
	d := r.device(id)
	if d == nil {
		return nil, ErrUnknownDevice
	}
	return peerHandle{r: r, d: d}, nil
}

func (r *Registry) device(id string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.devices[id]
}

func (r *Registry) allDevices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// ensureDevice returns the existing entry or creates one with its pairing
// manager wired up.
func (r *Registry) ensureDevice(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[id]; ok {
		return d
	}

	d := &Device{id: id, name: id}
	d.pairing = pairing.NewManager(pairing.Deps{
		DeviceID:   id,
		DeviceName: d.Name,
		Send:       func(pair bool) error { return r.sendPair(d, pair) },
		Trust:      r.store,
		Notifier:   &pairingEvents{r: r, d: d},
		Log:        r.log,
		Timeout:    r.pairingTimeout,
	})

	r.devices[id] = d
	return d
}

// HandleDiscoveryEvent folds one discovery sighting into the table. It never
// initiates a connection; callers decide when to dial.
func (r *Registry) HandleDiscoveryEvent(ev discovery.Event) {
	if ev.Identity == nil || ev.Identity.DeviceID == "" {
		return
	}
	if ev.Identity.DeviceID == r.identity.DeviceID {
		return
	}

	d := r.ensureDevice(ev.Identity.DeviceID)
	d.applyIdentity(ev.Identity)
	if ev.Addr != "" {
		d.noteAddress(ev.Addr)
	}

	r.notifyUpdated(d)
}

// Connect dials the device's last known TCP address. A device that is
// already connected is left alone.
func (r *Registry) Connect(ctx context.Context, id string) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}
	if d.currentLink() != nil {
		return nil
	}

	d.mu.RLock()
	addr, port := d.address, d.tcpPort
	d.mu.RUnlock()

	if addr == "" || port == 0 {
		return ErrNoAddress
	}

	conn, err := transport.DialTCP(ctx, net.JoinHostPort(addr, strconv.Itoa(port)), r.identity.ClientTLSConfig())
	if err != nil {
		return err
	}

	return r.establish(conn, linkKindTCP)
}

// ConnectBluetooth dials a device over RFCOMM by its MAC address. The
// device id is only learned from the identity exchange.
func (r *Registry) ConnectBluetooth(ctx context.Context, mac string) error {
	if r.adapter == nil {
		return ErrBluetoothDisabled
	}

	conn, err := transport.DialBluetooth(ctx, r.adapter, mac, r.identity.CertificateDER())
	if err != nil {
		return err
	}

	return r.establish(conn, linkKindBluetooth)
}

// AcceptConnection runs the identity exchange on an inbound TCP connection.
// Used as the protocol listener's callback.
func (r *Registry) AcceptConnection(conn transport.Conn) {
	if err := r.establish(conn, linkKindTCP); err != nil {
		r.log.Warn().Err(err).Str("addr", conn.RemoteAddr()).Msg("inbound connection rejected")
	}
}

// AcceptBluetoothConnection is AcceptConnection for the RFCOMM listener.
func (r *Registry) AcceptBluetoothConnection(conn transport.Conn) {
	if err := r.establish(conn, linkKindBluetooth); err != nil {
		r.log.Warn().Err(err).Str("addr", conn.RemoteAddr()).Msg("inbound bluetooth connection rejected")
	}
}

// establish runs the identity exchange and trust check on a fresh
// connection, then attaches it as the device's live link. The newest
// connection always wins; an older link is closed in its favor.
func (r *Registry) establish(conn transport.Conn, kind string) error {
	ident, err := r.exchangeIdentity(conn)
	if err != nil {
		conn.Close()
		return err
	}

	if ident.DeviceID == r.identity.DeviceID {
		conn.Close()
		return ErrSelfConnection
	}

	// Trust gate: a paired device must present the pinned certificate.
	// Impersonation is a hard stop, never a retry.
	if err := r.store.VerifySession(ident.DeviceID, conn.PeerFingerprint()); err != nil {
		conn.Close()

		d := r.ensureDevice(ident.DeviceID)
		d.applyIdentity(ident)
		d.Pairing().MarkRevoked()

		r.log.Error().Err(err).Str("device", ident.DeviceID).
			Msg("certificate mismatch, device revoked")
		r.notifyUpdated(d)
		return err
	}

	if ident.ProtocolVersion != 0 && ident.ProtocolVersion != proto.ProtocolVersion {
		r.log.Warn().Str("device", ident.DeviceID).
			Int("remote_version", ident.ProtocolVersion).
			Int("local_version", proto.ProtocolVersion).
			Msg("protocol version differs, continuing")
	}

	d := r.ensureDevice(ident.DeviceID)
	d.applyIdentity(ident)
	d.noteEndpoint(kind, conn.RemoteAddr())

	l := newLink(r.baseCtx, conn, kind, r.log)
	if old := d.attachLink(l); old != nil {
		r.log.Debug().Str("device", d.id).Msg("newer connection replaces the current link")
		old.close()
	}

	go r.readLoop(d, l)

	r.log.Info().Str("device", d.id).Str("name", d.Name()).
		Str("transport", kind).Str("addr", conn.RemoteAddr()).
		Msg("device connected")
	r.notifyUpdated(d)

	return nil
}

// exchangeIdentity sends the local identity and waits for the peer's. The
// first packet on a fresh connection must be an identity; anything else, or
// silence past the operation timeout, fails the connection.
func (r *Registry) exchangeIdentity(conn transport.Conn) (*proto.IdentityBody, error) {
	local, err := proto.NewIdentityPacket(r.localIdentity())
	if err != nil {
		return nil, err
	}

	frame, err := proto.Marshal(local)
	if err != nil {
		return nil, err
	}

	if err := conn.Send(frame); err != nil {
		return nil, err
	}

	type received struct {
		pkt *proto.Packet
		err error
	}

	ch := make(chan received, 1)
	go func() {
		data, err := conn.Receive()
		if err != nil {
			ch <- received{err: err}
			return
		}

		pkt, err := proto.Unmarshal(data)
		ch <- received{pkt: pkt, err: err}
	}()

	timer := time.NewTimer(transport.OperationTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.pkt.Type != proto.TypeIdentity {
			return nil, &proto.DecodeError{
				Reason: proto.ErrMalformedPacket,
				Detail: "expected identity as first packet, got " + res.pkt.Type,
			}
		}
		return proto.ParseIdentity(res.pkt)

	case <-timer.C:
		// Closing unblocks the pending Receive.
		conn.Close()
		return nil, &transport.TransportError{
			Op:   "identity exchange",
			Addr: conn.RemoteAddr(),
			Err:  transport.ErrTimeout,
		}
	}
}

// readLoop drains one link until its connection fails or is closed.
func (r *Registry) readLoop(d *Device, l *link) {
	for {
		data, err := l.conn.Receive()
		if err != nil {
			r.linkClosed(d, l, err)
			return
		}

		pkt, err := proto.Unmarshal(data)
		if err != nil {
			// One malformed packet never desynchronizes the stream;
			// framing recovers on the next line.
			r.log.Debug().Err(err).Str("device", d.id).
				Msg("dropping undecodable packet")
			continue
		}

		r.handlePacket(d, l, pkt)
	}
}

func (r *Registry) handlePacket(d *Device, l *link, pkt *proto.Packet) {
	switch {
	case pkt.Type == proto.TypeIdentity:
		ident, err := proto.ParseIdentity(pkt)
		if err != nil {
			r.log.Debug().Err(err).Str("device", d.id).Msg("bad identity refresh")
			return
		}
		if ident.DeviceID != d.id {
			r.log.Warn().Str("device", d.id).Str("claimed", ident.DeviceID).
				Msg("identity refresh with foreign device id ignored")
			return
		}

		d.applyIdentity(ident)
		r.notifyUpdated(d)

	case pkt.Type == proto.TypePair:
		if err := d.pairing.HandlePacket(pkt, l.conn.PeerFingerprint()); err != nil {
			r.log.Warn().Err(err).Str("device", d.id).Msg("pair packet rejected")
		}
		r.notifyUpdated(d)

	case proto.IsProtocolType(pkt.Type):
		r.log.Debug().Str("device", d.id).Str("type", pkt.Type).
			Msg("unhandled protocol packet")

	case !d.pairing.Paired():
		r.log.Debug().Str("device", d.id).Str("type", pkt.Type).
			Msg("dropping packet from unpaired device")

	case pkt.HasPayload():
		// Payload transfers run off the reader loop so a stalled
		// transfer never blocks the packet stream.
		go r.fetchAndDispatch(d, l, pkt)

	default:
		r.router.Dispatch(peerHandle{r: r, d: d}, pkt, nil)
	}
}

func (r *Registry) fetchAndDispatch(d *Device, l *link, pkt *proto.Packet) {
	payload := r.fetchPayload(d, l, pkt)
	r.router.Dispatch(peerHandle{r: r, d: d}, pkt, payload)
}

// fetchPayload pulls the out-of-band bytes a packet announced. Failure to
// fetch yields a nil payload; a hash mismatch yields the data flagged
// untrusted. The packet is dispatched either way.
func (r *Registry) fetchPayload(d *Device, l *link, pkt *proto.Packet) *dispatch.Payload {
	if pkt.PayloadSize > r.maxPayload {
		r.log.Warn().Str("device", d.id).Int64("size", pkt.PayloadSize).
			Int64("limit", r.maxPayload).Msg("payload exceeds limit, not fetching")
		return nil
	}

	ctx, cancel := context.WithTimeout(l.ctx, transport.OperationTimeout)
	defer cancel()

	info := pkt.PayloadTransferInfo

	var (
		data []byte
		err  error
	)
	switch l.kind {
	case linkKindBluetooth:
		data, err = transport.FetchBluetoothPayload(ctx, r.adapter, l.conn.RemoteAddr(), info.UUID, pkt.PayloadSize)
	default:
		data, err = transport.FetchPayload(ctx, l.conn.RemoteAddr(), info.Port, pkt.PayloadSize, r.identity.ClientTLSConfig())
	}
	if err != nil {
		r.log.Warn().Err(err).Str("device", d.id).Str("type", pkt.Type).
			Msg("payload transfer failed")
		return nil
	}

	if declared := pkt.DeclaredPayloadHash(); declared != "" {
		if computed := proto.PayloadHash(data); computed != declared {
			ierr := &proto.PayloadIntegrityError{Declared: declared, Computed: computed}
			r.log.Warn().Err(ierr).Str("device", d.id).
				Msg("payload hash mismatch, delivering untrusted")
			return &dispatch.Payload{Data: data, Untrusted: true}
		}
	}

	return &dispatch.Payload{Data: data}
}

// linkClosed runs the disconnect path for a reader loop that stopped. A
// stale link that was already replaced must not disturb its replacement.
func (r *Registry) linkClosed(d *Device, l *link, err error) {
	l.close()

	if !d.detachLink(l) {
		return
	}

	d.pairing.SessionClosed()

	r.log.Info().Err(err).Str("device", d.id).Msg("device disconnected")
	r.notifyUpdated(d)
}

// SendPacket queues one packet for a device. Non-protocol types require the
// device to be paired and to have advertised the type as incoming.
func (r *Registry) SendPacket(id string, pkt *proto.Packet) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}
	return r.send(d, pkt)
}

func (r *Registry) send(d *Device, pkt *proto.Packet) error {
	if !proto.IsProtocolType(pkt.Type) {
		if !d.pairing.Paired() {
			return pairing.ErrNotPaired
		}
		if err := r.router.AuthorizeSend(d.id, d.incomingCapabilities(), pkt.Type); err != nil {
			return err
		}
	}

	l := d.currentLink()
	if l == nil {
		return ErrNotConnected
	}

	frame, err := proto.Marshal(pkt)
	if err != nil {
		return err
	}

	return l.enqueue(frame)
}

// sendPair bypasses the capability gate; pairing must work before any
// capability is known.
func (r *Registry) sendPair(d *Device, pair bool) error {
	pkt, err := proto.NewPairPacket(pair)
	if err != nil {
		return err
	}
	return r.send(d, pkt)
}

// SendPacketWithPayload stamps pkt with the payload's size, hash and
// transfer info, starts a single-use payload server, and queues the packet.
func (r *Registry) SendPacketWithPayload(id string, pkt *proto.Packet, data []byte) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}
	if int64(len(data)) > r.maxPayload {
		return ErrPayloadTooLarge
	}

	l := d.currentLink()
	if l == nil {
		return ErrNotConnected
	}

	if err := attachPayloadHash(pkt, data); err != nil {
		return err
	}
	pkt.PayloadSize = int64(len(data))

	switch l.kind {
	case linkKindBluetooth:
		if r.adapter == nil {
			return ErrBluetoothDisabled
		}

		srv, err := transport.ServeBluetoothPayload(r.adapter, data, r.log)
		if err != nil {
			return err
		}
		pkt.PayloadTransferInfo = srv.TransferInfo()

		if err := r.send(d, pkt); err != nil {
			srv.Close()
			return err
		}
		go r.watchTransfer(d, srv.Done())

	default:
		srv, err := transport.ServePayload(data, r.identity.ServerTLSConfig(), r.log)
		if err != nil {
			return err
		}
		pkt.PayloadTransferInfo = srv.TransferInfo()

		if err := r.send(d, pkt); err != nil {
			srv.Close()
			return err
		}
		go r.watchTransfer(d, srv.Done())
	}

	return nil
}

// attachPayloadHash merges the payload hash into the packet body.
func attachPayloadHash(pkt *proto.Packet, data []byte) error {
	body := map[string]any{}
	if len(pkt.Body) > 0 {
		if err := pkt.DecodeBody(&body); err != nil {
			return err
		}
	}

	body["payloadHash"] = proto.PayloadHash(data)

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	pkt.Body = raw
	return nil
}

func (r *Registry) watchTransfer(d *Device, done <-chan error) {
	if err := <-done; err != nil {
		r.log.Warn().Err(err).Str("device", d.id).Msg("outbound payload transfer failed")
	}
}

// RequestPairing asks the device to pair, connecting first when needed. A
// revoked device may be re-paired; the explicit request clears the flag.
func (r *Registry) RequestPairing(ctx context.Context, id string) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}

	if d.pairing.State() == pairing.StateRevoked {
		d.pairing.ClearRevoked()
	}

	if d.currentLink() == nil {
		if err := r.Connect(ctx, id); err != nil {
			return err
		}
	}

	return d.pairing.Request()
}

// AcceptPairing resolves a pending incoming request positively.
func (r *Registry) AcceptPairing(id string) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}
	return d.pairing.Accept()
}

// RejectPairing resolves a pending incoming request negatively.
func (r *Registry) RejectPairing(id string) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}
	return d.pairing.Reject()
}

// Unpair drops the device's pairing and tells the peer.
func (r *Registry) Unpair(id string) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}
	return d.pairing.Unpair()
}

// Disconnect closes the device's live link. The reader loop runs the usual
// disconnect path as the connection fails.
func (r *Registry) Disconnect(id string) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}

	l := d.currentLink()
	if l == nil {
		return ErrNotConnected
	}

	l.close()
	return nil
}

// Forget removes the device entirely: link closed, trust record deleted,
// table entry dropped.
func (r *Registry) Forget(id string) error {
	d := r.device(id)
	if d == nil {
		return ErrUnknownDevice
	}

	if l := d.currentLink(); l != nil {
		l.close()
	}

	if err := r.store.Revoke(id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()

	r.log.Info().Str("device", id).Msg("device forgotten")
	r.notifyRemoved(id)
	return nil
}

// BroadcastIdentity re-announces the local identity on every live link,
// typically after a plugin toggle changed the capability lists.
func (r *Registry) BroadcastIdentity() {
	pkt, err := proto.NewIdentityPacket(r.localIdentity())
	if err != nil {
		r.log.Error().Err(err).Msg("could not build identity refresh")
		return
	}

	frame, err := proto.Marshal(pkt)
	if err != nil {
		r.log.Error().Err(err).Msg("could not encode identity refresh")
		return
	}

	for _, d := range r.allDevices() {
		l := d.currentLink()
		if l == nil {
			continue
		}
		if err := l.enqueue(frame); err != nil {
			r.log.Debug().Err(err).Str("device", d.id).Msg("identity refresh not queued")
		}
	}
}

func (r *Registry) notifyUpdated(d *Device) {
	if r.sink == nil {
		return
	}
	r.sink.DeviceUpdated(d.snapshot())
}

func (r *Registry) notifyRemoved(id string) {
	if r.sink == nil {
		return
	}
	r.sink.DeviceRemoved(id)
}

// pairingEvents adapts one device's pairing notifications onto the
// registry's sink.
type pairingEvents struct {
	r *Registry
	d *Device
}

func (e *pairingEvents) PairingRequested(string, string) {
	if e.r.sink == nil {
		return
	}
	e.r.sink.PairingRequested(e.d.snapshot())
}

func (e *pairingEvents) PairingResolved(_ string, paired bool, reason string) {
	if e.r.sink == nil {
		return
	}
	e.r.sink.PairingResolved(e.d.snapshot(), paired, reason)
}

// peerHandle is the dispatch.Peer implementation plugins see.
type peerHandle struct {
	r *Registry
	d *Device
}

func (p peerHandle) DeviceID() string   { return p.d.id }
func (p peerHandle) DeviceName() string { return p.d.Name() }

func (p peerHandle) SendPacket(pkt *proto.Packet) error {
	return p.r.send(p.d, pkt)
}

func (p peerHandle) SendPacketWithPayload(pkt *proto.Packet, data []byte) error {
	return p.r.SendPacketWithPayload(p.d.id, pkt, data)
}
