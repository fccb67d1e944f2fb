package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/swarmsim/internal/shared/models"
)

var (
	ErrInvalidHandshake = errors.New("invalid handshake")
	ErrUnknownMessage   = errors.New("unknown message id")
	ErrMalformedPayload = errors.New("malformed payload")
)

// ReadBytes reads exactly n bytes from r.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeHandshake(r io.Reader) (Handshake, error) {
	headerLen, err := ReadBytes(r, 1)
	if err != nil {
		return Handshake{}, err
	}
	header, err := ReadBytes(r, int(headerLen[0]))
	if err != nil {
		return Handshake{}, err
	}
	if _, err = ReadBytes(r, 8); err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", ErrInvalidHandshake, err)
	}
	idLen, err := ReadBytes(r, 1)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", ErrInvalidHandshake, err)
	}
	id, err := ReadBytes(r, int(idLen[0]))
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", ErrInvalidHandshake, err)
	}
	return Handshake{Header: string(header), PeerID: string(id)}, nil
}

// Decode reads one length prefixed message from r.
func Decode(r io.Reader) (Message, error) {
	lengthBuf, err := ReadBytes(r, 4)
	if err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lengthBuf))
	if length < 1 {
		return nil, ErrMalformedPayload
	}
	body, err := ReadBytes(r, length)
	if err != nil {
		return nil, err
	}

	id, payload := models.MessageID(body[0]), body[1:]
	switch id {
	case models.MessageIDChoke:
		return Choke{}, nil
	case models.MessageIDUnchoke:
		return Unchoke{}, nil
	case models.MessageIDInterested:
		return Interested{}, nil
	case models.MessageIDNotInterested:
		return NotInterested{}, nil
	case models.MessageIDBitfield:
		return Bitfield{Data: payload}, nil
	case models.MessageIDHave:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, id)
		}
		return Have{Index: int(binary.BigEndian.Uint32(payload))}, nil
	case models.MessageIDRequest:
		if len(payload) != 12 {
			return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, id)
		}
		return Request{
			Index:  int(binary.BigEndian.Uint32(payload[:4])),
			Offset: int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:])),
		}, nil
	case models.MessageIDPiece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, id)
		}
		return Piece{
			Index:  int(binary.BigEndian.Uint32(payload[:4])),
			Offset: int(binary.BigEndian.Uint32(payload[4:8])),
			Data:   payload[8:],
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
}
