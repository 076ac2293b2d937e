// Package wire defines the infra-red frame format exchanged between badges,
// base stations, and the backend, and decodes raw frames into typed events.
package wire

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// PacketType is the frame's type byte, the second byte on the wire.
type PacketType byte

// Packet type bytes. Values below Acknowledge belong to retired frame
// layouts and decode to no event.
const (
	TypeGame                PacketType = 0
	TypeShow                PacketType = 1
	TypeTest                PacketType = 2
	TypeAcknowledge         PacketType = 3
	TypeProximity           PacketType = 4
	TypePubAnnounce         PacketType = 5
	TypeTwoBadgeActivity    PacketType = 6
	TypeScoreAnnounce       PacketType = 7
	TypeSingleBadgeActivity PacketType = 8
	TypeSponsorActivity     PacketType = 9
	TypeShowMsg             PacketType = 10
	TypeRequestScore        PacketType = 11
	TypeSavePet             PacketType = 12
	TypeRestorePet          PacketType = 13
)

const (
	// HashLen is the truncated frame hash length used for dedup and acks.
	HashLen = 6
	// UserLen is the wire width of a badge user id.
	UserLen = 4
	// PetDataLen is the wire width of the opaque pet blob.
	PetDataLen = 6
	// headerLen covers the TTL byte and the type byte.
	headerLen = 2
)

// Packet is an in-memory frame. Data holds the full wire bytes
// TTL(1) | Type(1) | payload | [signature]. ToStation marks backend→station
// direction; it is never serialized.
type Packet struct {
	ID        uuid.UUID
	Data      []byte
	StationID int64
	ToStation bool
}

// NewPacket wraps raw frame bytes with a fresh packet id.
func NewPacket(data []byte, stationID int64, toStation bool) Packet {
	return Packet{
		ID:        uuid.New(),
		Data:      data,
		StationID: stationID,
		ToStation: toStation,
	}
}

// Type returns the frame's packet type, or false when the frame is too short
// to carry one.
func (p Packet) Type() (PacketType, bool) {
	if len(p.Data) < headerLen {
		return 0, false
	}
	return PacketType(p.Data[1]), true
}

// Hash returns the truncated SHA3-256 digest of the full frame bytes. The
// hash covers any trailing signature so bit-identical retransmissions
// collide and dedup correctly.
func (p Packet) Hash() []byte {
	sum := sha3.Sum256(p.Data)
	return sum[:HashLen]
}

// AckPacket builds the acknowledgment frame for p:
// TTL(0) | Acknowledge | hash(6).
func AckPacket(p Packet) Packet {
	data := make([]byte, 0, headerLen+HashLen)
	data = append(data, 0, byte(TypeAcknowledge))
	data = append(data, p.Hash()...)
	return Packet{
		ID:        p.ID,
		Data:      data,
		StationID: p.StationID,
		ToStation: true,
	}
}

// clock is swapped in tests to pin event timestamps.
var clock = time.Now

func now() time.Time { return clock().UTC() }
