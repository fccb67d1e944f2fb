// Package metainfo builds, writes and reads the single-file torrent descriptor
// that every peer uses to verify the pieces it receives.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

var (
	ErrInvalidPieces      = errors.New("pieces is not a multiple of 20 bytes")
	ErrInvalidPieceLength = errors.New("piece length must be positive")
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct {
	log *slog.Logger
}

func NewDecoder(logger *slog.Logger) MetafileDecoder {
	return decoder{log: logger}
}

// serialization structs for the bencoded .torrent file
type bencodeInfo struct {
	Name        string `bencode:"name"`
	Length      int    `bencode:"length"`
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

func (d decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	err := bencode.Unmarshal(torrent, &bt)
	if err != nil {
		d.log.Error("failed to decode torrent", slog.Any("error", err))
		return response, err
	}
	if bt.Info.PieceLength <= 0 {
		return response, ErrInvalidPieceLength
	}

	response.Announce = bt.Announce
	response.Info = models.Info{
		Name:        bt.Info.Name,
		Length:      bt.Info.Length,
		PieceLength: bt.Info.PieceLength,
		Pieces:      bt.Info.Pieces,
	}
	response.Info.PiecesHashes, err = calculatePiecesHashes(bt.Info.Pieces)
	if err != nil {
		d.log.Error("failed to calculate pieces hashes", slog.Any("error", err))
		return response, err
	}
	response.InfoHash, err = calculateInfoHash(bt.Info)
	if err != nil {
		return response, err
	}
	return response, nil
}

// Build hashes content read from r into a metafile split in pieceLength pieces.
func Build(announce, name string, pieceLength int, r io.Reader) (models.Metafile, error) {
	if pieceLength <= 0 {
		return models.Metafile{}, ErrInvalidPieceLength
	}
	var pieces bytes.Buffer
	length := 0
	buf := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := sha1.Sum(buf[:n])
			pieces.Write(sum[:])
			length += n
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return models.Metafile{}, err
		}
	}

	info := bencodeInfo{Name: name, Length: length, PieceLength: pieceLength, Pieces: pieces.String()}
	hashes, err := calculatePiecesHashes(info.Pieces)
	if err != nil {
		return models.Metafile{}, err
	}
	infoHash, err := calculateInfoHash(info)
	if err != nil {
		return models.Metafile{}, err
	}
	return models.Metafile{
		Announce: announce,
		Info: models.Info{
			Name:         info.Name,
			Length:       info.Length,
			PieceLength:  info.PieceLength,
			Pieces:       info.Pieces,
			PiecesHashes: hashes,
		},
		InfoHash: infoHash,
	}, nil
}

func Encode(w io.Writer, m models.Metafile) error {
	return bencode.Marshal(w, bencodeTorrent{
		Announce: m.Announce,
		Info: bencodeInfo{
			Name:        m.Info.Name,
			Length:      m.Info.Length,
			PieceLength: m.Info.PieceLength,
			Pieces:      m.Info.Pieces,
		},
	})
}

// Verify reports whether data hashes to the recorded hash of piece index.
func Verify(m models.Metafile, index int, data []byte) bool {
	if index < 0 || index >= len(m.Info.PiecesHashes) {
		return false
	}
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], m.Info.PiecesHashes[index].Hash)
}

func calculateInfoHash(info bencodeInfo) (models.Hash, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return models.Hash{}, fmt.Errorf("encode info: %w", err)
	}
	sum := sha1.Sum(buf.Bytes())
	return models.Hash{Hash: sum[:]}, nil
}

func calculatePiecesHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%sha1.Size != 0 {
		return nil, ErrInvalidPieces
	}
	piecesHashes := make([]models.Hash, 0, len(pieces)/sha1.Size)
	for i := 0; i < len(pieces); i += sha1.Size {
		piecesHashes = append(piecesHashes, models.Hash{Hash: []byte(pieces[i : i+sha1.Size])})
	}
	return piecesHashes, nil
}
