package proto

// Device classes carried in identity packets. Unknown values degrade to
// desktop instead of failing: a newer peer may introduce classes we have
// never heard of.
const (
	DeviceTypePhone   = "phone"
	DeviceTypeTablet  = "tablet"
	DeviceTypeDesktop = "desktop"
	DeviceTypeTV      = "tv"
)

// IdentityBody is the body of a protocol.identity packet. It is broadcast
// over the discovery channel and re-sent on every connection, so capability
// lists are refreshed each time they may legitimately change.
type IdentityBody struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	TCPPort              int      `json:"tcpPort,omitempty"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// PairBody is the body of a protocol.pair packet. pair=true requests or
// accepts pairing; pair=false rejects or revokes it.
type PairBody struct {
	Pair bool `json:"pair"`
}

// NormalizeDeviceType maps arbitrary input onto a known device class.
func NormalizeDeviceType(t string) string {
	switch t {
	case DeviceTypePhone, DeviceTypeTablet, DeviceTypeDesktop, DeviceTypeTV:
		return t
	default:
		return DeviceTypeDesktop
	}
}

// NewIdentityPacket wraps the identity body in a packet.
func NewIdentityPacket(body *IdentityBody) (*Packet, error) {
	return NewPacket(TypeIdentity, body)
}

// NewPairPacket builds a protocol.pair packet.
func NewPairPacket(pair bool) (*Packet, error) {
	return NewPacket(TypePair, &PairBody{Pair: pair})
}

// ParseIdentity decodes and validates an identity packet body.
func ParseIdentity(p *Packet) (*IdentityBody, error) {
	if p.Type != TypeIdentity {
		return nil, &DecodeError{Reason: ErrMalformedPacket, Detail: "not an identity packet: " + p.Type}
	}

	var body IdentityBody
	if err := p.DecodeBody(&body); err != nil {
		return nil, err
	}

	if body.DeviceID == "" {
		return nil, &DecodeError{Reason: ErrMissingField, Detail: "deviceId"}
	}

	body.DeviceType = NormalizeDeviceType(body.DeviceType)

	return &body, nil
}

// ParsePair decodes a protocol.pair packet body.
func ParsePair(p *Packet) (*PairBody, error) {
	if p.Type != TypePair {
		return nil, &DecodeError{Reason: ErrMalformedPacket, Detail: "not a pair packet: " + p.Type}
	}

	var body PairBody
	if err := p.DecodeBody(&body); err != nil {
		return nil, err
	}

	return &body, nil
}
