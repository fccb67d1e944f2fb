// Package storage keeps a peer's copy of the shared content on a filesystem,
// addressed by piece index.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

var (
	ErrPieceOutOfRange = errors.New("piece index out of range")
	ErrPieceLength     = errors.New("piece has the wrong length")
)

type Storage interface {
	ReadPiece(index int) ([]byte, error)
	WritePiece(index int, data []byte) error
	PieceSize() int
	NumPieces() int
	Size() int64
}

type fileHandler struct {
	fs        afero.Fs
	path      string
	pieceSize int
	size      int64
}

// NewFileHandler opens (creating it if needed) the file at path and sizes it to
// hold size bytes. Existing content is kept.
func NewFileHandler(fs afero.Fs, path string, pieceSize int, size int64) (Storage, error) {
	if pieceSize <= 0 {
		return nil, fmt.Errorf("piece size %d: %w", pieceSize, ErrPieceLength)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err = f.Truncate(size); err != nil {
		return nil, err
	}
	return &fileHandler{fs: fs, path: path, pieceSize: pieceSize, size: size}, nil
}

func (h *fileHandler) PieceSize() int {
	return h.pieceSize
}

func (h *fileHandler) NumPieces() int {
	return int((h.size + int64(h.pieceSize) - 1) / int64(h.pieceSize))
}

func (h *fileHandler) Size() int64 {
	return h.size
}

func (h *fileHandler) ReadPiece(index int) ([]byte, error) {
	offset, length, err := h.bounds(index)
	if err != nil {
		return nil, err
	}
	f, err := h.fs.Open(h.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err = f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

func (h *fileHandler) WritePiece(index int, data []byte) error {
	offset, length, err := h.bounds(index)
	if err != nil {
		return err
	}
	if len(data) != length {
		return fmt.Errorf("piece %d has %d bytes, want %d: %w", index, len(data), length, ErrPieceLength)
	}
	f, err := h.fs.OpenFile(h.path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, offset)
	return err
}

func (h *fileHandler) bounds(index int) (int64, int, error) {
	if index < 0 || index >= h.NumPieces() {
		return 0, 0, fmt.Errorf("piece %d: %w", index, ErrPieceOutOfRange)
	}
	offset := int64(index) * int64(h.pieceSize)
	length := min(int64(h.pieceSize), h.size-offset)
	return offset, int(length), nil
}
