// Package message defines the peer wire messages exchanged inside the swarm.
package message

import (
	"encoding/binary"

	"github.com/WendelHime/swarmsim/internal/shared/models"
)

type Type uint8

const (
	TypeHandshake Type = iota
	TypeBitfield
	TypeInterested
	TypeNotInterested
	TypeChoke
	TypeUnchoke
	TypeRequest
	TypePiece
	TypeHave
)

var typeNames = [...]string{
	TypeHandshake:     "HANDSHAKE",
	TypeBitfield:      "BITFIELD",
	TypeInterested:    "INTERESTED",
	TypeNotInterested: "NOT_INTERESTED",
	TypeChoke:         "CHOKE",
	TypeUnchoke:       "UNCHOKE",
	TypeRequest:       "REQUEST",
	TypePiece:         "PIECE",
	TypeHave:          "HAVE",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKNOWN"
}

// Message is implemented only by the variants in this package.
type Message interface {
	Type() Type
	// Bytes is the message as it would travel on the wire.
	Bytes() []byte
	sealed()
}

type Handshake struct {
	Header string
	PeerID string
}

type Bitfield struct {
	Data []byte
}

type Interested struct{}

type NotInterested struct{}

type Choke struct{}

type Unchoke struct{}

type Request struct {
	Index  int
	Offset int
	Length int
}

type Piece struct {
	Index  int
	Offset int
	Data   []byte
}

type Have struct {
	Index int
}

func (Handshake) Type() Type     { return TypeHandshake }
func (Bitfield) Type() Type      { return TypeBitfield }
func (Interested) Type() Type    { return TypeInterested }
func (NotInterested) Type() Type { return TypeNotInterested }
func (Choke) Type() Type         { return TypeChoke }
func (Unchoke) Type() Type       { return TypeUnchoke }
func (Request) Type() Type       { return TypeRequest }
func (Piece) Type() Type         { return TypePiece }
func (Have) Type() Type          { return TypeHave }

func (Handshake) sealed()     {}
func (Bitfield) sealed()      {}
func (Interested) sealed()    {}
func (NotInterested) sealed() {}
func (Choke) sealed()         {}
func (Unchoke) sealed()       {}
func (Request) sealed()       {}
func (Piece) sealed()         {}
func (Have) sealed()          {}

// handshake to bytes: header length, header, eight reserved bytes, peer id length, peer id
func (h Handshake) Bytes() []byte {
	buf := make([]byte, 1)
	buf[0] = byte(len(h.Header))
	buf = append(buf, []byte(h.Header)...)
	buf = append(buf, make([]byte, 8)...) // eight reserved bytes
	buf = append(buf, byte(len(h.PeerID)))
	buf = append(buf, []byte(h.PeerID)...)
	return buf
}

func (m Bitfield) Bytes() []byte    { return frame(models.MessageIDBitfield, m.Data) }
func (Interested) Bytes() []byte    { return frame(models.MessageIDInterested, nil) }
func (NotInterested) Bytes() []byte { return frame(models.MessageIDNotInterested, nil) }
func (Choke) Bytes() []byte         { return frame(models.MessageIDChoke, nil) }
func (Unchoke) Bytes() []byte       { return frame(models.MessageIDUnchoke, nil) }
func (m Have) Bytes() []byte        { return frame(models.MessageIDHave, uint32s(m.Index)) }
func (m Request) Bytes() []byte {
	return frame(models.MessageIDRequest, uint32s(m.Index, m.Offset, m.Length))
}
func (m Piece) Bytes() []byte {
	return frame(models.MessageIDPiece, append(uint32s(m.Index, m.Offset), m.Data...))
}

func frame(id models.MessageID, payload []byte) []byte {
	buf := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	buf[4] = byte(id)
	return append(buf, payload...)
}

func uint32s(values ...int) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}
