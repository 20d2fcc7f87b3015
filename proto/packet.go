// Package proto defines the wire packet format and its codec. One packet is
// one JSON object, newline-delimited on the stream; binary payloads are never
// inlined and travel over a separate transfer connection described by
// PayloadTransferInfo.
package proto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const (
	// ProtocolVersion is advertised in identity packets. A peer with a
	// different version is still connected to; the version is used for
	// compatibility warnings only.
	ProtocolVersion = 8

	TypeIdentity = "protocol.identity"
	TypePair     = "protocol.pair"

	TypePing         = "cosmic.ping"
	TypeClipboard    = "cosmic.clipboard"
	TypeShareRequest = "cosmic.share.request"
)

// Packet is one discrete protocol message. ID is a millisecond timestamp used
// for dedup/ordering hints, not strict ordering. Body is an opaque JSON
// object whose meaning belongs to the plugin that owns Type.
type Packet struct {
	ID                  int64           `json:"id"`
	Type                string          `json:"type"`
	Body                json.RawMessage `json:"body"`
	PayloadSize         int64           `json:"payloadSize,omitempty"`
	PayloadTransferInfo *TransferInfo   `json:"payloadTransferInfo,omitempty"`
}

// TransferInfo locates the out-of-band payload endpoint. TCP transfers
// advertise a port; Bluetooth transfers advertise a channel UUID.
type TransferInfo struct {
	Port int    `json:"port,omitempty"`
	UUID string `json:"uuid,omitempty"`
}

// NewPacket builds a packet of the given type, marshalling body into the
// packet's JSON body object. A nil body becomes the empty object.
func NewPacket(packetType string, body any) (*Packet, error) {
	raw := json.RawMessage("{}")

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &DecodeError{Reason: ErrMalformedPacket, Detail: "marshal body: " + err.Error()}
		}

		raw = data
	}

	return &Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: raw,
	}, nil
}

// HasPayload reports whether the packet references an out-of-band payload
// that the receiver should fetch.
func (p *Packet) HasPayload() bool {
	return p.PayloadSize > 0 && p.PayloadTransferInfo != nil
}

// DecodeBody unmarshals the packet body into dst.
func (p *Packet) DecodeBody(dst any) error {
	body := p.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return &DecodeError{Reason: ErrMalformedPacket, Detail: "decode body: " + err.Error()}
	}

	return nil
}

// DeclaredPayloadHash returns the payload hash announced in the packet body,
// or "" when the sender did not declare one.
func (p *Packet) DeclaredPayloadHash() string {
	var h struct {
		PayloadHash string `json:"payloadHash"`
	}

	if err := p.DecodeBody(&h); err != nil {
		return ""
	}

	return h.PayloadHash
}

// Marshal encodes the packet as a single JSON object without trailing newline.
func Marshal(p *Packet) ([]byte, error) {
	if p.Body == nil {
		clone := *p
		clone.Body = json.RawMessage("{}")
		p = &clone
	}

	return json.Marshal(p)
}

// MarshalLine encodes the packet and appends the newline frame delimiter.
func MarshalLine(p *Packet) ([]byte, error) {
	data, err := Marshal(p)
	if err != nil {
		return nil, err
	}

	return append(data, '\n'), nil
}

// Unmarshal decodes one framed packet. It fails with ErrMalformedPacket on
// invalid JSON, ErrMissingField when type or id is absent, and
// ErrInconsistentPayload when a payload size is declared without transfer
// info. Trailing newline from the framing layer is tolerated.
func Unmarshal(data []byte) (*Packet, error) {
	data = bytes.TrimSpace(data)

	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &DecodeError{Reason: ErrMalformedPacket, Detail: err.Error()}
	}

	if p.Type == "" {
		return nil, &DecodeError{Reason: ErrMissingField, Detail: "type"}
	}

	if p.ID == 0 {
		return nil, &DecodeError{Reason: ErrMissingField, Detail: "id"}
	}

	if p.PayloadSize > 0 && p.PayloadTransferInfo == nil {
		return nil, &DecodeError{Reason: ErrInconsistentPayload, Detail: p.Type}
	}

	if len(p.Body) == 0 {
		p.Body = json.RawMessage("{}")
	}

	return &p, nil
}

// PayloadHash computes the canonical content hash (lowercase hex SHA-256)
// declared alongside out-of-band payloads.
func PayloadHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
