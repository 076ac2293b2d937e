// Package auth resolves badge events to user identities and enforces the
// per-variant signature policy.
package auth

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ksw2000/hitcon-pcb-badge/internal/ecc"
	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/errors"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/wire"
)

// Authority verifies inbound frames and signs outbound ones. The server key
// pair is fixed at deployment; its public point is the trust anchor for
// every server-authored frame.
type Authority struct {
	users      storage.UserStore
	serverKey  ecc.PrivateKey
	serverPub  ecc.Point
	sponsorIDs map[int64]struct{}
}

// NewAuthority builds an authority over the user store.
func NewAuthority(users storage.UserStore, serverKey ecc.PrivateKey, sponsorIDs []int64) *Authority {
	set := make(map[int64]struct{}, len(sponsorIDs))
	for _, id := range sponsorIDs {
		set[id] = struct{}{}
	}
	return &Authority{
		users:      users,
		serverKey:  serverKey,
		serverPub:  serverKey.Public(),
		sponsorIDs: set,
	}
}

// DeriveUserID maps a public point to its badge user id: the little-endian
// value of the first 3 bytes of the compact encoding.
func DeriveUserID(pub ecc.Point) uint32 {
	compact := pub.Compress()
	var buf [4]byte
	copy(buf[:3], compact[:3])
	return binary.LittleEndian.Uint32(buf[:])
}

// CreateUser persists the identity for a public point and returns its user
// id. Registering an already-known key returns the existing id.
func (a *Authority) CreateUser(ctx context.Context, pub ecc.Point) (uint32, error) {
	compact := pub.Compress()
	if existing, err := a.users.UserByPubKey(ctx, compact[:]); err == nil {
		return existing.ID, nil
	} else if err != storage.ErrNotFound {
		return 0, fmt.Errorf("look up pubkey: %w", err)
	}

	id := DeriveUserID(pub)
	err := a.users.InsertUser(ctx, storage.User{ID: id, PubKey: compact[:]})
	if err == storage.ErrAlreadyExists {
		existing, lookupErr := a.users.UserByPubKey(ctx, compact[:])
		if lookupErr != nil {
			return 0, fmt.Errorf("resolve conflicting pubkey: %w", lookupErr)
		}
		return existing.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// Team returns the player's side: +1 when the public key's y-coordinate is
// odd, -1 when even.
func (a *Authority) Team(ctx context.Context, user uint32) (int64, error) {
	u, err := a.users.UserByID(ctx, user)
	if err == storage.ErrNotFound {
		return 0, errors.New(errors.CodeNotFound, fmt.Sprintf("unknown user %d", user))
	}
	if err != nil {
		return 0, fmt.Errorf("load user %d: %w", user, err)
	}
	if u.PubKey[ecc.PublicKeySize-1]&1 == 1 {
		return 1, nil
	}
	return -1, nil
}

// PublicKey returns the user's public point.
func (a *Authority) PublicKey(ctx context.Context, user uint32) (ecc.Point, error) {
	u, err := a.users.UserByID(ctx, user)
	if err == storage.ErrNotFound {
		return ecc.Point{}, errors.New(errors.CodeNotFound, fmt.Sprintf("unknown user %d", user))
	}
	if err != nil {
		return ecc.Point{}, fmt.Errorf("load user %d: %w", user, err)
	}
	return ecc.Decompress(u.PubKey)
}

// VerifyEvent enforces the signature policy for one decoded event.
//
//   - TwoBadgeActivity frames may be signed by either side; the side that
//     verifies is recorded on the event.
//   - SponsorActivity carries no signature; the sponsor id must be in the
//     configured set.
//   - ScoreAnnounce is server-authored and trusted as-is.
//   - PubAnnounce requires the embedded compact key to be counter-signed by
//     the server key; a valid announcement registers the key's user.
//   - Everything else verifies against the event's declared user.
//
// The signed range is the frame bytes after the TTL byte, minus the trailing
// signature.
func (a *Authority) VerifyEvent(ctx context.Context, ev wire.Event, frame wire.Packet) error {
	msg, ok := signedRange(frame)

	switch e := ev.(type) {
	case *wire.TwoBadgeActivityEvent:
		if !ok {
			return errors.New(errors.CodeUnauthenticated, "frame too short to carry a signature")
		}
		sig, err := ecc.DecodeSignature(e.Signature)
		if err != nil {
			return errors.New(errors.CodeUnauthenticated, err.Error())
		}
		if a.verifyUser(ctx, e.User1, msg, sig) == nil {
			e.PacketFrom = 1
			return nil
		}
		if a.verifyUser(ctx, e.User2, msg, sig) == nil {
			e.PacketFrom = 2
			return nil
		}
		return errors.New(errors.CodeUnauthenticated, fmt.Sprintf("frame signed by neither user %d nor %d", e.User1, e.User2))

	case *wire.SponsorActivityEvent:
		if _, known := a.sponsorIDs[int64(e.SponsorID)]; !known {
			return errors.New(errors.CodeFailedPrecondition, fmt.Sprintf("unknown sponsor id %d", e.SponsorID))
		}
		return nil

	case *wire.ScoreAnnounceEvent:
		return nil

	case *wire.PubAnnounceEvent:
		sig, err := ecc.DecodeSignature(e.Signature)
		if err != nil {
			return errors.New(errors.CodeUnauthenticated, err.Error())
		}
		if !ecc.Verify(e.PubKey, a.serverPub, sig) {
			return errors.New(errors.CodeUnauthenticated, "announced key is not counter-signed by the server")
		}
		pub, err := ecc.Decompress(e.PubKey)
		if err != nil {
			return errors.New(errors.CodeUnauthenticated, err.Error())
		}
		if _, err := a.CreateUser(ctx, pub); err != nil {
			return fmt.Errorf("register announced key: %w", err)
		}
		return nil

	default:
		if !ok {
			return errors.New(errors.CodeUnauthenticated, "frame too short to carry a signature")
		}
		user, sigBytes, found := singleSigner(ev)
		if !found {
			return errors.New(errors.CodeUnauthenticated, fmt.Sprintf("no signature policy for packet type %d", ev.Kind()))
		}
		sig, err := ecc.DecodeSignature(sigBytes)
		if err != nil {
			return errors.New(errors.CodeUnauthenticated, err.Error())
		}
		return a.verifyUser(ctx, user, msg, sig)
	}
}

func (a *Authority) verifyUser(ctx context.Context, user uint32, msg []byte, sig ecc.Signature) error {
	u, err := a.users.UserByID(ctx, user)
	if err == storage.ErrNotFound {
		return errors.New(errors.CodeUnauthenticated, fmt.Sprintf("frame from unregistered user %d", user))
	}
	if err != nil {
		return fmt.Errorf("load user %d: %w", user, err)
	}
	pub, err := ecc.Decompress(u.PubKey)
	if err != nil {
		return fmt.Errorf("decode stored key for user %d: %w", user, err)
	}
	if !ecc.Verify(msg, pub, sig) {
		return errors.New(errors.CodeUnauthenticated, fmt.Sprintf("invalid signature from user %d", user))
	}
	return nil
}

func singleSigner(ev wire.Event) (uint32, []byte, bool) {
	switch e := ev.(type) {
	case *wire.ProximityEvent:
		return e.User, e.Signature, true
	case *wire.SingleBadgeActivityEvent:
		return e.User, e.Signature, true
	case *wire.RequestScoreEvent:
		return e.User, e.Signature, true
	case *wire.SavePetEvent:
		return e.User, e.Signature, true
	case *wire.RestorePetEvent:
		return e.User, e.Signature, true
	default:
		return 0, nil, false
	}
}

// signedRange returns the frame bytes covered by the trailing signature:
// everything after the TTL byte, minus the signature itself.
func signedRange(frame wire.Packet) ([]byte, bool) {
	if len(frame.Data) < 2+ecc.SignatureSize {
		return nil, false
	}
	return frame.Data[1 : len(frame.Data)-ecc.SignatureSize], true
}

// SignFrame appends the server signature over the frame bytes after the TTL
// byte and returns the completed frame.
func (a *Authority) SignFrame(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("frame too short to sign")
	}
	sig, err := ecc.Sign(data[1:], a.serverKey)
	if err != nil {
		return nil, fmt.Errorf("sign frame: %w", err)
	}
	enc := sig.Encode()
	return append(data, enc[:]...), nil
}

// CertifyKey signs the compact key encoding with the server key, producing
// the counter-signature badges embed in announcement frames.
func (a *Authority) CertifyKey(pub ecc.Point) ([]byte, error) {
	compact := pub.Compress()
	sig, err := ecc.Sign(compact[:], a.serverKey)
	if err != nil {
		return nil, fmt.Errorf("certify key: %w", err)
	}
	enc := sig.Encode()
	return enc[:], nil
}
