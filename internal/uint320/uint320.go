// Package uint320 implements the fixed-width 320-bit unsigned integer
// used to reduce a batch of per-element digests into a single sum.
package uint320

import "math/bits"

// Uint320 holds a 320-bit value as five 64-bit limbs, least-significant
// limb first, matching the layout the device side writes into a
// uint320_t (arr[0] is bits 0-63).
type Uint320 struct {
	Limb [5]uint64
}

// FromLimbsLE builds a Uint320 from five little-endian limbs.
func FromLimbsLE(limbs [5]uint64) Uint320 {
	return Uint320{Limb: limbs}
}

// Add returns a+b with wraparound on overflow of the top limb, using
// ripple-carry addition across the five limbs.
func Add(a, b Uint320) Uint320 {
	var out Uint320
	var carry uint64
	for i := 0; i < 5; i++ {
		out.Limb[i], carry = bits.Add64(a.Limb[i], b.Limb[i], carry)
	}
	return out
}

// Sum reduces a slice of partial sums by repeated Add, in order, matching
// the device-side accumulation order so results are reproducible across
// runs regardless of how many work-groups contributed.
func Sum(parts []Uint320) Uint320 {
	var acc Uint320
	for _, p := range parts {
		acc = Add(acc, p)
	}
	return acc
}

// Limbs returns the little-endian 64-bit limb form used by the
// HighwayHash ABI (uint64_t[5]).
func (u Uint320) Limbs() [5]uint64 {
	return u.Limb
}

// Bytes returns the big-endian byte encoding used by the BLAKE3 ABI's
// 40-byte digest result.
func (u Uint320) Bytes() [40]byte {
	var out [40]byte
	for i := 0; i < 5; i++ {
		limb := u.Limb[4-i]
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(limb >> (56 - 8*b))
		}
	}
	return out
}
