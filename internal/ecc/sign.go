package ecc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// SignatureSize is the wire size of a signature: r and s as 7-byte
// little-endian integers mod the group order.
const SignatureSize = 14

const digestPrefixLen = 8

// PrivateKey is a scalar in [1, Order-1].
type PrivateKey uint64

// Signature is an (r, s) pair mod the group order.
type Signature struct {
	R, S uint64
}

// Public derives the public point d·G.
func (d PrivateKey) Public() Point {
	return scalarMul(uint64(d), Generator())
}

// digest maps a message to a scalar: the low 8 bytes, little-endian, of the
// message's SHA3-256 digest.
func digest(msg []byte) uint64 {
	sum := sha3.Sum256(msg)
	return binary.LittleEndian.Uint64(sum[:digestPrefixLen])
}

// Sign produces an (r, s) signature over msg.
//
// z is the message digest scalar; a fresh random k in [1, Order-1] is drawn,
// r = (k·G).x mod n, and s = (z + r·d)/k mod n. Draws yielding r == 0 or
// s == 0 are retried.
func Sign(msg []byte, d PrivateKey) (Signature, error) {
	z := digest(msg) % Order
	for {
		k, err := randScalar()
		if err != nil {
			return Signature{}, err
		}
		r := scalarMul(k, Generator()).X % Order
		if r == 0 {
			continue
		}
		s := mulMod(addMod(z, mulMod(r, uint64(d), Order), Order), invMod(k, Order), Order)
		if s == 0 {
			continue
		}
		return Signature{R: r, S: s}, nil
	}
}

// Verify reports whether sig is a valid signature over msg by pub.
func Verify(msg []byte, pub Point, sig Signature) bool {
	if sig.R == 0 || sig.R > Order-1 || sig.S == 0 || sig.S > Order-1 {
		return false
	}
	z := digest(msg) % Order
	u1 := divMod(z, sig.S, Order)
	u2 := divMod(sig.R, sig.S, Order)
	if u1 == 0 || u2 == 0 {
		return false
	}
	p := scalarMul(u1, Generator()).Add(scalarMul(u2, pub))
	return p.X%Order == sig.R
}

// Encode serializes the signature as r(7 LE) || s(7 LE).
func (sig Signature) Encode() [SignatureSize]byte {
	var out [SignatureSize]byte
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sig.R)
	copy(out[:7], buf[:7])
	binary.LittleEndian.PutUint64(buf[:], sig.S)
	copy(out[7:], buf[:7])
	return out
}

// DecodeSignature parses a 14-byte wire signature.
func DecodeSignature(raw []byte) (Signature, error) {
	if len(raw) != SignatureSize {
		return Signature{}, fmt.Errorf("ecc: signature must be %d bytes, got %d", SignatureSize, len(raw))
	}
	var buf [8]byte
	copy(buf[:7], raw[:7])
	r := binary.LittleEndian.Uint64(buf[:])
	buf = [8]byte{}
	copy(buf[:7], raw[7:])
	s := binary.LittleEndian.Uint64(buf[:])
	return Signature{R: r, S: s}, nil
}

func randScalar() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("ecc: draw nonce: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:])%(Order-1) + 1, nil
}

// GenerateKey draws a uniformly random private scalar.
func GenerateKey() (PrivateKey, error) {
	k, err := randScalar()
	if err != nil {
		return 0, err
	}
	return PrivateKey(k), nil
}
