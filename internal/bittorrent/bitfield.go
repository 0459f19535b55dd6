package bittorrent

import (
	bitmap "github.com/boljen/go-bitmap"
)

// Bitfield is a fixed-length, monotonic (false→true only) per-piece
// presence vector, backed by github.com/boljen/go-bitmap.
type Bitfield struct {
	bits bitmap.Bitmap
	size int
}

// NewBitfield allocates an all-false bitfield of the given piece count.
func NewBitfield(size int) *Bitfield {
	return &Bitfield{bits: bitmap.New(size), size: size}
}

// NewBitfieldFromBytes wraps an already-marshalled bitfield payload
// (as received in a Bitfield protocol message), validating that no spare
// high bits in the final byte are set.
func NewBitfieldFromBytes(raw []byte, size int) (*Bitfield, error) {
	wantLen := (size + 7) / 8
	if len(raw) != wantLen {
		return nil, newProtocolError("bitfield length %d, want %d for %d pieces", len(raw), wantLen, size)
	}
	if spare := size % 8; spare != 0 {
		mask := byte(0xFF) >> spare
		if raw[len(raw)-1]&mask != 0 {
			return nil, newProtocolError("bitfield has spare bits set")
		}
	}
	bf := NewBitfield(size)
	for i := 0; i < size; i++ {
		if raw[i/8]&(1<<(7-uint(i%8))) != 0 {
			bf.bits.Set(i, true)
		}
	}
	return bf, nil
}

func (bf *Bitfield) Size() int { return bf.size }

func (bf *Bitfield) IsValid(i int) bool { return i >= 0 && i < bf.size }

func (bf *Bitfield) Have(i int) bool {
	if !bf.IsValid(i) {
		return false
	}
	return bf.bits.Get(i)
}

// Set marks piece i present. Setting an already-present bit is a no-op;
// there is no way to clear a bit once set, enforcing the monotonic
// has-this-piece invariant.
func (bf *Bitfield) Set(i int) {
	if bf.IsValid(i) {
		bf.bits.Set(i, true)
	}
}

func (bf *Bitfield) AllTrue() bool {
	for i := 0; i < bf.size; i++ {
		if !bf.bits.Get(i) {
			return false
		}
	}
	return true
}

func (bf *Bitfield) AllFalse() bool {
	for i := 0; i < bf.size; i++ {
		if bf.bits.Get(i) {
			return false
		}
	}
	return true
}

// SetAll marks every piece present (used for HaveAll).
func (bf *Bitfield) SetAll() {
	for i := 0; i < bf.size; i++ {
		bf.bits.Set(i, true)
	}
}

// Bytes packs the bitfield into the wire representation used by the
// Bitfield protocol message: MSB-first within each byte, zero-padded.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, (bf.size+7)/8)
	for i := 0; i < bf.size; i++ {
		if bf.bits.Get(i) {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}
