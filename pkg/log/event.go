package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the client connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// PeerID is the remote peer (hex).
	PeerID string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the link-level peer address.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Epoch is the session key epoch the event relates to.
	Epoch uint32 `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport and wire layer
	Handshake   *HandshakeEvent   `cbor:"11,keyasint,omitempty"` // Key exchange
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Client/session state
	Rotation    *RotationEvent    `cbor:"13,keyasint,omitempty"` // Key rotation progress
	Security    *SecurityEvent    `cbor:"14,keyasint,omitempty"` // Rejections
	Error       *ErrorEventData   `cbor:"15,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the physical link layer (raw packets).
	LayerTransport Layer = 0
	// LayerWire is the packet encoding layer (decoded CBOR).
	LayerWire Layer = 1
	// LayerSession is the session management layer.
	LayerSession Layer = 2
	// LayerSecurity is the cryptographic verification layer.
	LayerSecurity Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	case LayerSecurity:
		return "SECURITY"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates session traffic.
	CategoryMessage Category = 0
	// CategoryHandshake indicates a key exchange message.
	CategoryHandshake Category = 1
	// CategoryControl indicates an in-band control frame (rekey).
	CategoryControl Category = 2
	// CategoryState indicates a state change.
	CategoryState Category = 3
	// CategorySecurity indicates a security rejection.
	CategorySecurity Category = 4
	// CategoryError indicates an error event.
	CategoryError Category = 5
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryHandshake:
		return "HANDSHAKE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategorySecurity:
		return "SECURITY"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as returned by String.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryMessage; c <= CategoryError; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// ParseLayer parses a layer name as returned by String.
func ParseLayer(s string) (Layer, bool) {
	for l := LayerTransport; l <= LayerSecurity; l++ {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// FrameEvent captures a packet or frame header.
type FrameEvent struct {
	// Size is the encoded packet size in bytes.
	Size int `cbor:"1,keyasint"`

	// Kind is the frame kind name (DATA, REKEY, ...).
	Kind string `cbor:"2,keyasint,omitempty"`

	// Sequence is the frame sequence number.
	Sequence uint64 `cbor:"3,keyasint,omitempty"`

	// MessageID identifies the message the fragment belongs to.
	MessageID uint16 `cbor:"4,keyasint,omitempty"`

	// FragmentIndex and FragmentCount locate the fragment.
	FragmentIndex uint16 `cbor:"5,keyasint,omitempty"`
	FragmentCount uint16 `cbor:"6,keyasint,omitempty"`

	// Data is the raw packet bytes (may be truncated for large packets).
	// Packets are ciphertext after the handshake.
	Data []byte `cbor:"7,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"8,keyasint,omitempty"`
}

// HandshakeEvent captures the negotiable fields of a handshake. Public
// keys and proofs are not recorded.
type HandshakeEvent struct {
	Cipher               string `cbor:"1,keyasint"`
	HMACEnabled          bool   `cbor:"2,keyasint,omitempty"`
	TimestampValidation  bool   `cbor:"3,keyasint,omitempty"`
	FragmentationEnabled bool   `cbor:"4,keyasint,omitempty"`
	MaxMessageSize       uint32 `cbor:"5,keyasint,omitempty"`
	RotationInterval     uint32 `cbor:"6,keyasint,omitempty"`
	CompressionEnabled   bool   `cbor:"7,keyasint,omitempty"`
	IdentityProof        bool   `cbor:"8,keyasint,omitempty"`
	Reply                bool   `cbor:"9,keyasint,omitempty"`
}

// StateChangeEvent captures client and session lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityClient indicates a client connection state change.
	StateEntityClient StateEntity = 0
	// StateEntitySession indicates a cryptographic session change.
	StateEntitySession StateEntity = 1
	// StateEntityServer indicates a server lifecycle change.
	StateEntityServer StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityClient:
		return "CLIENT"
	case StateEntitySession:
		return "SESSION"
	case StateEntityServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// RotationPhase is a step of the in-band rekey exchange.
type RotationPhase uint8

const (
	RotationStarted RotationPhase = iota
	RotationAcknowledged
	RotationActivated
	RotationRetired
	RotationAbandoned
)

// String returns the phase name.
func (p RotationPhase) String() string {
	switch p {
	case RotationStarted:
		return "STARTED"
	case RotationAcknowledged:
		return "ACKNOWLEDGED"
	case RotationActivated:
		return "ACTIVATED"
	case RotationRetired:
		return "RETIRED"
	case RotationAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// RotationEvent captures key rotation progress.
type RotationEvent struct {
	Phase     RotationPhase `cbor:"1,keyasint"`
	FromEpoch uint32        `cbor:"2,keyasint,omitempty"`
	ToEpoch   uint32        `cbor:"3,keyasint,omitempty"`
}

// SecurityEvent records why a frame or handshake was rejected. The reason
// never leaves the local node.
type SecurityEvent struct {
	Reason   string `cbor:"1,keyasint"`
	Sequence uint64 `cbor:"2,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the error code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
