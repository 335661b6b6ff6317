// Package bitfield implements the BitTorrent wire bitfield: a most-significant-bit-first packed
// bit vector, one bit per piece, padded to a byte boundary (spec.md §3, §4.1 BITFIELD message).
package bitfield

import "errors"

// Bitfield is exchanged on the wire exactly as stored: no byte-order translation beyond the
// MSB-first convention within each byte.
type Bitfield struct {
	bits   []byte
	length int
}

// New creates a Bitfield for the given number of pieces, all bits clear.
func New(length int) Bitfield {
	return Bitfield{
		bits:   make([]byte, numBytes(length)),
		length: length,
	}
}

// FromBytes wraps raw wire bytes as a Bitfield of length pieces. The byte slice must already be
// padded to a byte boundary; excess high bits beyond length are ignored by Get/Set but preserved
// by Bytes (round-trip fidelity, spec.md §8 R2).
func FromBytes(b []byte, length int) (Bitfield, error) {
	if len(b) != numBytes(length) {
		return Bitfield{}, errors.New("bitfield: byte length does not match piece count")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Bitfield{bits: cp, length: length}, nil
}

func numBytes(length int) int {
	return (length + 7) / 8
}

func (bf Bitfield) Len() int { return bf.length }

func (bf Bitfield) Get(i int) bool {
	if i < 0 || i >= bf.length {
		return false
	}
	return bf.bits[i/8]&(0x80>>uint(i%8)) != 0
}

func (bf *Bitfield) Set(i int, v bool) {
	if i < 0 || i >= bf.length {
		return
	}
	mask := byte(0x80 >> uint(i%8))
	if v {
		bf.bits[i/8] |= mask
	} else {
		bf.bits[i/8] &^= mask
	}
}

// Bytes returns the raw packed bytes, suitable for sending as a BITFIELD message payload.
func (bf Bitfield) Bytes() []byte {
	out := make([]byte, len(bf.bits))
	copy(out, bf.bits)
	return out
}

// Clone returns an independent copy.
func (bf Bitfield) Clone() Bitfield {
	return Bitfield{bits: bf.Bytes(), length: bf.length}
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for i := 0; i < bf.length; i++ {
		if bf.Get(i) {
			n++
		}
	}
	return n
}

// All reports whether every bit (of length pieces) is set.
func (bf Bitfield) All() bool {
	return bf.Count() == bf.length
}

// Iterate calls f for every set bit, in ascending order, until f returns false.
func (bf Bitfield) Iterate(f func(i int) bool) {
	for i := 0; i < bf.length; i++ {
		if bf.Get(i) {
			if !f(i) {
				return
			}
		}
	}
}
