package peer

import (
	"sort"

	"github.com/WendelHime/swarmsim/internal/shared/models"
)

// assembly collects the fragments of one piece until they cover all of it.
type assembly struct {
	piece   models.Piece
	covered int
}

func newAssembly(index, length int, hash models.Hash) *assembly {
	return &assembly{piece: models.Piece{Index: index, Length: length, Hash: hash}}
}

// add stores a fragment unless it overlaps one already held.
func (a *assembly) add(offset int, data []byte) bool {
	end := offset + len(data)
	for _, b := range a.piece.Blocks {
		if offset < b.Begin+len(b.Data) && b.Begin < end {
			return false
		}
	}
	a.piece.Blocks = append(a.piece.Blocks, models.Block{
		Index: a.piece.Index,
		Begin: offset,
		Data:  append([]byte(nil), data...),
	})
	a.covered += len(data)
	return true
}

func (a *assembly) complete() bool {
	return a.covered == a.piece.Length
}

func (a *assembly) bytes() []byte {
	blocks := sortBlocks(a.piece.Blocks)
	out := make([]byte, 0, a.piece.Length)
	for _, b := range blocks {
		out = append(out, b.Data...)
	}
	return out
}

func sortBlocks(blocks []models.Block) []models.Block {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Begin < blocks[j].Begin
	})
	return blocks
}
