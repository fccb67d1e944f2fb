// Package bitfield keeps track of which pieces of the shared content a peer owns.
package bitfield

import (
	bitmap "github.com/boljen/go-bitmap"
)

// BitField is a fixed length piece ownership vector. Indexes outside [0, Len())
// are ignored by Set and reported as not owned by Has.
type BitField struct {
	bits  bitmap.Bitmap
	n     int
	owned int
}

func New(numPieces int) *BitField {
	if numPieces < 0 {
		numPieces = 0
	}
	return &BitField{bits: bitmap.New(numPieces), n: numPieces}
}

// Full returns a bitfield with every piece owned, which is how seeds start.
func Full(numPieces int) *BitField {
	b := New(numPieces)
	for i := 0; i < b.n; i++ {
		b.Set(i, true)
	}
	return b
}

func (b *BitField) Len() int {
	return b.n
}

func (b *BitField) Has(index int) bool {
	if index < 0 || index >= b.n {
		return false
	}
	return b.bits.Get(index)
}

func (b *BitField) Set(index int, value bool) {
	if index < 0 || index >= b.n {
		return
	}
	if b.bits.Get(index) == value {
		return
	}
	b.bits.Set(index, value)
	if value {
		b.owned++
	} else {
		b.owned--
	}
}

func (b *BitField) OwnedCount() int {
	return b.owned
}

func (b *BitField) IsComplete() bool {
	return b.owned == b.n
}

// Missing lists the pieces not owned, in ascending order.
func (b *BitField) Missing() []int {
	missing := make([]int, 0, b.n-b.owned)
	for i := 0; i < b.n; i++ {
		if !b.bits.Get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Owned lists the pieces owned, in ascending order.
func (b *BitField) Owned() []int {
	owned := make([]int, 0, b.owned)
	for i := 0; i < b.n; i++ {
		if b.bits.Get(i) {
			owned = append(owned, i)
		}
	}
	return owned
}

func (b *BitField) Clone() *BitField {
	c := New(b.n)
	for _, i := range b.Owned() {
		c.Set(i, true)
	}
	return c
}

// Bytes packs the bitfield for the wire: piece i lives in byte i/8, most
// significant bit first. Spare bits in the last byte are zero.
func (b *BitField) Bytes() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.bits.Get(i) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// FromBytes unpacks data produced by Bytes. Short data leaves the remaining
// pieces unowned and bits past numPieces are dropped.
func FromBytes(data []byte, numPieces int) *BitField {
	b := New(numPieces)
	for i := 0; i < b.n; i++ {
		if i/8 >= len(data) {
			break
		}
		if data[i/8]&(0x80>>uint(i%8)) != 0 {
			b.Set(i, true)
		}
	}
	return b
}
