// Package storage defines persistence contracts for the packet pipeline:
// stored frames, station and user records, delivery queues, and pending
// two-badge rendezvous entries.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness conflict.
	ErrAlreadyExists = errors.New("record already exists")
)

// StoredPacket is a frame held for delivery or ack matching. Data holds the
// full wire bytes; Hash is the truncated frame digest.
type StoredPacket struct {
	ID        uuid.UUID
	Data      []byte
	Hash      []byte
	StationID int64
	ToStation bool
	CreatedAt time.Time
}

// Station is a registered base station. Key is the opaque bearer credential
// presented on every HTTP call.
type Station struct {
	ID        int64
	Name      string
	Key       string
	CreatedAt time.Time
}

// User is a badge identity. PubKey is the 8-byte compact point encoding the
// id was derived from. Pet is an opaque badge-owned blob, nil until saved.
type User struct {
	ID        uint32
	PubKey    []byte
	Pet       []byte
	CreatedAt time.Time
}

// RendezvousKey identifies a pending two-badge match. Players and scores are
// already canonicalized (user1 < user2) by the dispatcher.
type RendezvousKey struct {
	GameType string
	User1    uint32
	User2    uint32
	Score1   int64
	Score2   int64
	Nonce    uint16
}

// RendezvousEntry is the first-arriving side of a two-badge match, waiting
// for its counterpart.
type RendezvousEntry struct {
	Key       RendezvousKey
	Side      int
	PacketID  uuid.UUID
	Signature []byte
	CreatedAt time.Time
}

// PacketStore persists frames. Deleting a packet also removes every queue
// reference to it.
type PacketStore interface {
	SavePacket(ctx context.Context, p StoredPacket) error
	// PacketsByHash returns stored outbound frames with the given truncated
	// hash, oldest first.
	PacketsByHash(ctx context.Context, hash []byte) ([]StoredPacket, error)
	DeletePacket(ctx context.Context, id uuid.UUID) error
}

// QueueStore orders stored-frame references for delivery. A reference moves
// through at most one queue at a time and is removed exactly once on
// handoff.
type QueueStore interface {
	// EnqueueRx records an inbound frame as in-flight for the station.
	EnqueueRx(ctx context.Context, station int64, packet uuid.UUID) error
	// EnqueueTx queues an outbound frame for the station's next poll.
	EnqueueTx(ctx context.Context, station int64, packet uuid.UUID) error
	// EnqueuePending queues an outbound frame for a user whose station is
	// unknown.
	EnqueuePending(ctx context.Context, user uint32, packet uuid.UUID) error
	// MovePendingToTx moves every pending frame for the user onto the
	// station's tx queue, preserving order.
	MovePendingToTx(ctx context.Context, user uint32, station int64) error
	// DrainTx removes and returns the station's queued outbound frames in
	// order, deleting each from storage as it is handed off.
	DrainTx(ctx context.Context, station int64) ([]StoredPacket, error)
}

// StationStore persists station records.
type StationStore interface {
	// InsertStation assigns and returns the station id, or
	// ErrAlreadyExists when the key is taken.
	InsertStation(ctx context.Context, name, key string) (Station, error)
	// StationByKey resolves a bearer credential, or ErrNotFound.
	StationByKey(ctx context.Context, key string) (Station, error)
}

// UserStore persists badge identities.
type UserStore interface {
	// InsertUser persists a new identity, or ErrAlreadyExists when the id
	// or the encoded key is taken.
	InsertUser(ctx context.Context, u User) error
	// UserByID returns the user, or ErrNotFound.
	UserByID(ctx context.Context, id uint32) (User, error)
	// UserByPubKey returns the user owning the encoded key, or ErrNotFound.
	UserByPubKey(ctx context.Context, pubKey []byte) (User, error)
	// UpdatePet replaces the user's pet blob, or ErrNotFound.
	UpdatePet(ctx context.Context, id uint32, pet []byte) error
}

// LinkStore maps attendee uids to badge users.
type LinkStore interface {
	// InsertLink binds an attendee uid to a user, or ErrAlreadyExists when
	// the uid is already bound to a different user.
	InsertLink(ctx context.Context, uid string, user uint32) error
	// UserByLink resolves an attendee uid, or ErrNotFound.
	UserByLink(ctx context.Context, uid string) (uint32, error)
}

// RendezvousStore persists pending two-badge matches.
type RendezvousStore interface {
	// PutRendezvous stores the first-arriving side, or ErrAlreadyExists
	// when the key is already pending.
	PutRendezvous(ctx context.Context, e RendezvousEntry) error
	// GetRendezvous returns the pending entry, or ErrNotFound.
	GetRendezvous(ctx context.Context, key RendezvousKey) (RendezvousEntry, error)
	DeleteRendezvous(ctx context.Context, key RendezvousKey) error
	// DeleteRendezvousBefore sweeps entries created before the cutoff and
	// returns how many were removed.
	DeleteRendezvousBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store aggregates every packet-pipeline persistence concern.
type Store interface {
	PacketStore
	QueueStore
	StationStore
	UserStore
	LinkStore
	RendezvousStore
}
