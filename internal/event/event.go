// Package event holds the simulation's scheduling primitive: timed events
// addressed to a peer and the queue that orders them.
package event

import (
	"github.com/WendelHime/swarmsim/internal/message"
	"github.com/WendelHime/swarmsim/internal/shared/models"
)

type Kind uint8

const (
	KindHandshakeReceived Kind = iota
	KindBitfieldReceived
	KindInterestedReceived
	KindNotInterestedReceived
	KindChokeReceived
	KindUnchokeReceived
	KindRequestReceived
	KindPieceReceived
	KindHaveReceived
	KindConnectPeer
	KindDisconnectPeer
	KindRunUnchokingAlgorithm
	KindRequestPiece
	KindTrackerAnnounce
	KindPeerDeparture

	// KindUnknown is reported for an event without a usable payload.
	KindUnknown Kind = 255
)

var kindNames = [...]string{
	KindHandshakeReceived:     "HANDSHAKE_RECEIVED",
	KindBitfieldReceived:      "BITFIELD_RECEIVED",
	KindInterestedReceived:    "INTERESTED_RECEIVED",
	KindNotInterestedReceived: "NOT_INTERESTED_RECEIVED",
	KindChokeReceived:         "CHOKE_RECEIVED",
	KindUnchokeReceived:       "UNCHOKE_RECEIVED",
	KindRequestReceived:       "REQUEST_RECEIVED",
	KindPieceReceived:         "PIECE_RECEIVED",
	KindHaveReceived:          "HAVE_RECEIVED",
	KindConnectPeer:           "CONNECT_PEER",
	KindDisconnectPeer:        "DISCONNECT_PEER",
	KindRunUnchokingAlgorithm: "RUN_UNCHOKING_ALGORITHM",
	KindRequestPiece:          "REQUEST_PIECE",
	KindTrackerAnnounce:       "TRACKER_ANNOUNCE",
	KindPeerDeparture:         "PEER_DEPARTURE",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// Recurring kinds put themselves back on the queue every time they fire.
func (k Kind) Recurring() bool {
	switch k {
	case KindRunUnchokingAlgorithm, KindRequestPiece, KindTrackerAnnounce:
		return true
	}
	return false
}

// Payload is implemented only by the variants below.
type Payload interface {
	Kind() Kind
	payload()
}

// Deliver hands a message sent by From to the event target.
type Deliver struct {
	From    string
	Message message.Message
}

type Connect struct {
	Remote models.PeerInfo
}

type Disconnect struct {
	Remote string
}

type ChokeTick struct{}

type RequestTick struct{}

type AnnounceTick struct{}

// Depart removes the target from the swarm.
type Depart struct{}

var receivedKinds = map[message.Type]Kind{
	message.TypeHandshake:     KindHandshakeReceived,
	message.TypeBitfield:      KindBitfieldReceived,
	message.TypeInterested:    KindInterestedReceived,
	message.TypeNotInterested: KindNotInterestedReceived,
	message.TypeChoke:         KindChokeReceived,
	message.TypeUnchoke:       KindUnchokeReceived,
	message.TypeRequest:       KindRequestReceived,
	message.TypePiece:         KindPieceReceived,
	message.TypeHave:          KindHaveReceived,
}

func (d Deliver) Kind() Kind {
	if d.Message == nil {
		return KindUnknown
	}
	if k, ok := receivedKinds[d.Message.Type()]; ok {
		return k
	}
	return KindUnknown
}

func (Connect) Kind() Kind      { return KindConnectPeer }
func (Disconnect) Kind() Kind   { return KindDisconnectPeer }
func (ChokeTick) Kind() Kind    { return KindRunUnchokingAlgorithm }
func (RequestTick) Kind() Kind  { return KindRequestPiece }
func (AnnounceTick) Kind() Kind { return KindTrackerAnnounce }
func (Depart) Kind() Kind       { return KindPeerDeparture }

func (Deliver) payload()      {}
func (Connect) payload()      {}
func (Disconnect) payload()   {}
func (ChokeTick) payload()    {}
func (RequestTick) payload()  {}
func (AnnounceTick) payload() {}
func (Depart) payload()       {}

type Event struct {
	Time    float64
	Target  string
	Payload Payload
	seq     uint64
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Seq is the insertion order the queue assigned; zero until pushed.
func (e Event) Seq() uint64 {
	return e.seq
}
