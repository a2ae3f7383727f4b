package transport

import (
	"errors"

	"github.com/meshsec/meshsec-go/pkg/identity"
)

var (
	// ErrLinkClosed is returned by operations on a closed link.
	ErrLinkClosed = errors.New("link closed")

	// ErrUnknownPeer indicates no connection to the peer exists.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Link is a physical transport carrying encoded packets between peers.
// Implementations make no security promises.
type Link interface {
	// Send delivers one packet to peer.
	Send(peer identity.PeerID, data []byte) error

	// MTU is the largest packet the link carries unfragmented.
	MTU() int

	// SetHandler installs the receiver of link callbacks.
	SetHandler(h Handler)

	// Close tears down every connection.
	Close() error
}

// OversizeCarrier is implemented by links that deliver packets larger than
// their MTU on a slower path instead of losing them.
type OversizeCarrier interface {
	CarriesOversize() bool
}

// Handler receives link callbacks. Callbacks may arrive concurrently from
// several goroutines.
type Handler interface {
	HandlePeerConnected(peer identity.PeerID, addr string)
	HandlePeerDisconnected(peer identity.PeerID)
	HandleData(peer identity.PeerID, data []byte)
}

// Compile-time interface satisfaction checks.
var (
	_ Link = (*PipeEnd)(nil)
	_ Link = (*QUICLink)(nil)

	_ OversizeCarrier = (*QUICLink)(nil)
)
