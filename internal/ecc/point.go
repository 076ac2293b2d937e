package ecc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size in bytes of the compact point encoding: 7-byte little-endian
// x-coordinate plus one parity byte for y.
const PublicKeySize = 8

var (
	// ErrNotOnCurve indicates a coordinate pair failing the curve equation.
	ErrNotOnCurve = errors.New("ecc: point is not on the curve")
	// ErrInvalidScalar indicates a zero scalar multiplier.
	ErrInvalidScalar = errors.New("ecc: scalar multiplier must be positive")
)

// Point is an affine point on the fixed curve. The zero value is not a valid
// point; construct through NewPoint, Generator, or Decompress.
type Point struct {
	X, Y uint64
}

// Generator returns the fixed base point G.
func Generator() Point {
	return Point{X: 0x9a77dc33b36acc, Y: 0x279be90a95dbdd}
}

// NewPoint validates that (x, y) satisfies y² = x³ + Ax + B over the field.
func NewPoint(x, y uint64) (Point, error) {
	if !onCurve(x, y) {
		return Point{}, ErrNotOnCurve
	}
	return Point{X: x % FieldP, Y: y % FieldP}, nil
}

func onCurve(x, y uint64) bool {
	lhs := mulMod(y, y, FieldP)
	rhs := addMod(mulMod(mulMod(x, x, FieldP), x, FieldP), addMod(mulMod(CurveA, x, FieldP), CurveB, FieldP), FieldP)
	return lhs == rhs
}

// Neg returns the point mirrored across the x-axis.
func (p Point) Neg() Point {
	return Point{X: p.X, Y: subMod(0, p.Y, FieldP)}
}

// Add returns p + q. Adding a point to itself doubles it.
func (p Point) Add(q Point) Point {
	if p == q {
		return p.Double()
	}
	l := divMod(subMod(q.Y, p.Y, FieldP), subMod(q.X, p.X, FieldP), FieldP)
	return p.intersect(q, l)
}

// Double returns 2p.
func (p Point) Double() Point {
	num := addMod(mulMod(3, mulMod(p.X, p.X, FieldP), FieldP), CurveA, FieldP)
	l := divMod(num, mulMod(2, p.Y, FieldP), FieldP)
	return p.intersect(p, l)
}

func (p Point) intersect(q Point, l uint64) Point {
	x := subMod(subMod(mulMod(l, l, FieldP), p.X, FieldP), q.X, FieldP)
	y := subMod(mulMod(l, subMod(p.X, x, FieldP), FieldP), p.Y, FieldP)
	return Point{X: x, Y: y}
}

// ScalarMul returns k·p by the binary most-significant-bit-first recursion.
// Zero multipliers are rejected.
func ScalarMul(k uint64, p Point) (Point, error) {
	if k == 0 {
		return Point{}, ErrInvalidScalar
	}
	return scalarMul(k, p), nil
}

func scalarMul(k uint64, p Point) Point {
	if k == 1 {
		return p
	}
	sq := scalarMul(k/2, p).Double()
	if k%2 == 1 {
		return p.Add(sq)
	}
	return sq
}

// Compress encodes the point as 7 little-endian bytes of x followed by the
// parity of y.
func (p Point) Compress() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], p.X)
	copy(out[:7], buf[:7])
	out[7] = byte(p.Y & 1)
	return out
}

// Decompress recovers a point from its compact encoding. The y-coordinate is
// recomputed as a modular square root; when the root's parity disagrees with
// the requested parity byte, the root is negated mod p.
func Decompress(enc []byte) (Point, error) {
	if len(enc) != PublicKeySize {
		return Point{}, fmt.Errorf("ecc: compact point must be %d bytes, got %d", PublicKeySize, len(enc))
	}
	var buf [8]byte
	copy(buf[:7], enc[:7])
	x := binary.LittleEndian.Uint64(buf[:])
	parity := enc[7] & 1

	rhs := addMod(mulMod(mulMod(x, x, FieldP), x, FieldP), addMod(mulMod(CurveA, x, FieldP), CurveB, FieldP), FieldP)
	y := sqrtModP(rhs)
	if mulMod(y, y, FieldP) != rhs {
		return Point{}, ErrNotOnCurve
	}
	if byte(y&1) != parity {
		y = subMod(0, y, FieldP)
	}
	return Point{X: x, Y: y}, nil
}
