package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for packets.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for packets.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Packets arrive from untrusted peers: reject duplicate keys and
	// indefinite lengths, and keep nesting shallow.
	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  4,
		MaxArrayElements: 64,
		MaxMapPairs:      32,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// PacketType is the first byte of every packet.
type PacketType uint8

const (
	PacketHandshake PacketType = 0x01
	PacketFrame     PacketType = 0x02
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketHandshake:
		return "HANDSHAKE"
	case PacketFrame:
		return "FRAME"
	default:
		return fmt.Sprintf("PACKET_0x%02x", uint8(t))
	}
}

// ErrMalformedPacket is returned when a packet cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is a decoded packet. Exactly one field is set.
type Packet struct {
	Handshake *Handshake
	Frame     *Frame
}

// Type returns the packet type.
func (p *Packet) Type() PacketType {
	if p.Handshake != nil {
		return PacketHandshake
	}
	return PacketFrame
}

// EncodeHandshake encodes a handshake packet.
func EncodeHandshake(h *Handshake) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handshake: %w", err)
	}
	return encodePacket(PacketHandshake, h)
}

// EncodeFrame encodes a frame packet.
func EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return encodePacket(PacketFrame, f)
}

func encodePacket(t PacketType, v any) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(t))
	return append(out, body...), nil
}

// DecodePacket decodes and structurally validates a packet.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}

	switch PacketType(data[0]) {
	case PacketHandshake:
		var h Handshake
		if err := Unmarshal(data[1:], &h); err != nil {
			return nil, fmt.Errorf("%w: handshake: %v", ErrMalformedPacket, err)
		}
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		return &Packet{Handshake: &h}, nil

	case PacketFrame:
		var f Frame
		if err := Unmarshal(data[1:], &f); err != nil {
			return nil, fmt.Errorf("%w: frame: %v", ErrMalformedPacket, err)
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		return &Packet{Frame: &f}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedPacket, data[0])
	}
}
