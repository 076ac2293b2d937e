package wire

import (
	"time"

	"github.com/google/uuid"
)

// Event is one decoded frame payload. The set of implementations is closed;
// the dispatcher switches exhaustively on the concrete type.
type Event interface {
	// Kind returns the packet type the event was decoded from.
	Kind() PacketType
	// Meta returns the shared envelope fields.
	Meta() *EventMeta

	isEvent()
}

// EventMeta carries the envelope shared by every event: the originating
// packet and station, a freshly generated event id, and the receive time.
type EventMeta struct {
	EventID   uuid.UUID
	PacketID  uuid.UUID
	StationID int64
	Timestamp time.Time
}

func newMeta(p Packet) EventMeta {
	return EventMeta{
		EventID:   uuid.New(),
		PacketID:  p.ID,
		StationID: p.StationID,
		Timestamp: now(),
	}
}

func (m *EventMeta) Meta() *EventMeta { return m }
func (m *EventMeta) isEvent()         {}

// ProximityEvent is a badge beacon: user, transmit power, short nonce.
type ProximityEvent struct {
	EventMeta
	User      uint32
	Power     uint8
	Nonce     uint16
	Signature []byte
}

func (*ProximityEvent) Kind() PacketType { return TypeProximity }

// PubAnnounceEvent carries a compact public key counter-signed by the
// server key.
type PubAnnounceEvent struct {
	EventMeta
	PubKey    []byte
	Signature []byte
}

func (*PubAnnounceEvent) Kind() PacketType { return TypePubAnnounce }

// TwoBadgeActivityEvent is one side of a two-player game result. PacketFrom
// is set by signature verification: 1 when user1 signed the frame, 2 when
// user2 did.
type TwoBadgeActivityEvent struct {
	EventMeta
	User1      uint32
	User2      uint32
	GameData   []byte
	Signature  []byte
	PacketFrom int
}

func (*TwoBadgeActivityEvent) Kind() PacketType { return TypeTwoBadgeActivity }

// GameActivityEvent is the merge of both sides of a two-badge activity after
// rendezvous matching. It is synthesized by the dispatcher, never decoded
// from the wire.
type GameActivityEvent struct {
	EventMeta
	PacketIDs  []uuid.UUID
	GameType   string
	User1      uint32
	User2      uint32
	Score1     int64
	Score2     int64
	Nonce      uint16
	Signatures [][]byte
}

func (*GameActivityEvent) Kind() PacketType { return TypeTwoBadgeActivity }

// ScoreAnnounceEvent mirrors a server-authored score announcement.
type ScoreAnnounceEvent struct {
	EventMeta
	User      uint32
	Score     uint32
	Signature []byte
}

func (*ScoreAnnounceEvent) Kind() PacketType { return TypeScoreAnnounce }

// SingleBadgeActivityEvent is a single-player game result with a bit-packed
// score and nonce.
type SingleBadgeActivityEvent struct {
	EventMeta
	User      uint32
	EventType uint8
	EventData []byte
	Signature []byte
}

func (*SingleBadgeActivityEvent) Kind() PacketType { return TypeSingleBadgeActivity }

// SponsorActivityEvent records a badge scanning a sponsor booth. It carries
// no badge signature; trust is anchored by nonce freshness and sponsor-id
// validity.
type SponsorActivityEvent struct {
	EventMeta
	User        uint32
	SponsorID   uint8
	Nonce       uint8
	SponsorData []byte
}

func (*SponsorActivityEvent) Kind() PacketType { return TypeSponsorActivity }

// RequestScoreEvent asks the backend to announce the user's current score.
type RequestScoreEvent struct {
	EventMeta
	User      uint32
	Signature []byte
}

func (*RequestScoreEvent) Kind() PacketType { return TypeRequestScore }

// SavePetEvent persists an opaque per-user pet blob.
type SavePetEvent struct {
	EventMeta
	User      uint32
	PetData   []byte
	Signature []byte
}

func (*SavePetEvent) Kind() PacketType { return TypeSavePet }

// RestorePetEvent asks the backend to send back the stored pet blob.
type RestorePetEvent struct {
	EventMeta
	User      uint32
	Signature []byte
}

func (*RestorePetEvent) Kind() PacketType { return TypeRestorePet }
