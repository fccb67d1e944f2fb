package peer

import "github.com/WendelHime/swarmsim/internal/bitfield"

// ConnectionState is what a peer knows about one remote. Both sides start
// choked and uninterested.
type ConnectionState struct {
	// Remote is nil until the remote sends a BITFIELD or HAVE.
	Remote         *bitfield.BitField
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	Handshaked     bool
	ConnectedAt    float64
}

func newConnectionState(now float64) *ConnectionState {
	return &ConnectionState{
		AmChoking:   true,
		PeerChoking: true,
		ConnectedAt: now,
	}
}
