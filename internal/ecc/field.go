// Package ecc implements the fixed short-Weierstrass curve and the compact
// Schnorr-style signature scheme shared with the badge firmware.
//
// The curve parameters are intentionally small (~53-bit prime) so that badges
// can sign and verify on an embedded MCU. This is not a general-purpose
// cryptographic library; the curve, generator, and group order are fixed.
package ecc

import "math/bits"

// Curve parameters. The field prime is congruent to 3 mod 4, which makes
// square roots computable by a single exponentiation during point
// decompression.
const (
	CurveA uint64 = 0x5e924cd447a56b
	CurveB uint64 = 0x892f0a953f589b
	FieldP uint64 = 0xbcffb098340493
	Order  uint64 = 0xbcffb09c43733d
)

func addMod(a, b, m uint64) uint64 {
	return (a + b) % m
}

func subMod(a, b, m uint64) uint64 {
	return (a + m - b%m) % m
}

// mulMod reduces the widening 128-bit product. Operands stay below 2^57 so
// the high word is always strictly less than the modulus, as bits.Div64
// requires.
func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a%m, b%m)
	_, rem := bits.Div64(hi, lo, m)
	return rem
}

// invMod returns the multiplicative inverse of a mod m via the iterative
// extended Euclidean algorithm. a must be non-zero and coprime with m.
func invMod(a, m uint64) uint64 {
	a %= m
	var (
		r0, r1 = a, m
		x0, x1 = int64(1), int64(0)
	)
	for r1 != 0 {
		q := r0 / r1
		r0, r1 = r1, r0-q*r1
		x0, x1 = x1, x0-int64(q)*x1
	}
	if x0 < 0 {
		x0 += int64(m)
	}
	return uint64(x0) % m
}

func divMod(a, b, m uint64) uint64 {
	return mulMod(a, invMod(b, m), m)
}

func expMod(base, exp, m uint64) uint64 {
	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod(result, base, m)
		}
		base = mulMod(base, base, m)
		exp >>= 1
	}
	return result
}

// sqrtModP returns a square root of a modulo the field prime, valid because
// FieldP ≡ 3 mod 4. The caller must check that the result squares back to a.
func sqrtModP(a uint64) uint64 {
	return expMod(a, (FieldP+1)/4, FieldP)
}
