package models

type Metafile struct {
	Announce string `bencode:"announce"`
	Info     Info   `bencode:"info"`
	InfoHash Hash   `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int    `bencode:"length"`
	PieceLength  int    `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
}

// NumPieces is the number of pieces the content is split into.
func (i Info) NumPieces() int {
	if i.PieceLength <= 0 {
		return 0
	}
	return (i.Length + i.PieceLength - 1) / i.PieceLength
}

// PieceSize returns the length of the piece at index; the last piece may be short.
func (i Info) PieceSize(index int) int {
	if index < 0 || index >= i.NumPieces() {
		return 0
	}
	left := i.Length - index*i.PieceLength
	return min(left, i.PieceLength)
}

type Hash struct {
	Hash []byte
}

func (h Hash) String() string {
	return string(h.Hash)
}
