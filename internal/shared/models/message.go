package models

import "strconv"

// MessageID is the one byte tag that follows the length prefix of every framed peer message.
type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
)

var messageIDNames = map[MessageID]string{
	MessageIDChoke:         "choke",
	MessageIDUnchoke:       "unchoke",
	MessageIDInterested:    "interested",
	MessageIDNotInterested: "not-interested",
	MessageIDHave:          "have",
	MessageIDBitfield:      "bitfield",
	MessageIDRequest:       "request",
	MessageIDPiece:         "piece",
}

func (id MessageID) String() string {
	if name, ok := messageIDNames[id]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(id)) + ")"
}
