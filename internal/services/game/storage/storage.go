// Package storage defines persistence contracts for game-logic state:
// append-only attack and score history, buff state, and the station score
// snapshot cache.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
)

// GameType identifies one of the venue games.
type GameType string

const (
	GameShakeBadge     GameType = "shake_badge"
	GameDino           GameType = "dino"
	GameSnake          GameType = "snake"
	GameTetris         GameType = "tetris"
	GameConnectSponsor GameType = "connect_sponsor"
	GameReCTF          GameType = "rectf"
)

// Party filters score records by the number of players in the originating
// game.
type Party int

const (
	PartyAll Party = iota
	PartySingle
	PartyTwo
)

// AttackRecord is one station attack. Amount is the buff-adjusted signed
// amount applied to the station; RawAmount and the buff counts are retained
// for audit. Records are immutable once written.
type AttackRecord struct {
	Player    uint32
	Station   int64
	Amount    int64
	RawAmount int64
	BuffA     int64
	BuffB     int64
	Timestamp time.Time
}

// ScoreRecord is one game score entry. TwoPlayerEventID is empty for
// single-player records. LogOnly records are stored for history but excluded
// from every aggregate sum.
type ScoreRecord struct {
	Player           uint32
	Station          int64
	Score            int64
	GameType         GameType
	SponsorID        int64 // -1 when not a sponsor record
	TwoPlayerEventID string
	LogOnly          bool
	Timestamp        time.Time
}

// BuffState is the current buff snapshot for a player.
type BuffState struct {
	Player    uint32
	BuffA     int64
	BuffB     int64
	UpdatedAt time.Time
}

// ScoreSnapshot caches a computed station total at a point in time so decay
// replay can resume from it instead of the epoch.
type ScoreSnapshot struct {
	Station   int64
	Timestamp time.Time
	Total     int64
}

// ScoreFilter narrows score sums and listings. Nil pointer fields match
// everything. Before is exclusive; zero means no upper bound.
type ScoreFilter struct {
	Player   *uint32
	Station  *int64
	GameType *GameType
	Party    Party
	Before   time.Time
}

// ScoreboardRow is one (player, game type) aggregate.
type ScoreboardRow struct {
	Player   uint32
	GameType GameType
	Total    int64
}

// SponsorRow is one (player, sponsor) connection.
type SponsorRow struct {
	Player  uint32
	Sponsor int64
}

// AttackStore persists attack history.
type AttackStore interface {
	AppendAttack(ctx context.Context, rec AttackRecord) error
	// ListAttacks returns attacks on a station with start <= timestamp <
	// before, ascending by timestamp.
	ListAttacks(ctx context.Context, station int64, start, before time.Time) ([]AttackRecord, error)
}

// ScoreStore persists score history.
type ScoreStore interface {
	AppendScores(ctx context.Context, recs ...ScoreRecord) error
	// SumScores totals non-LogOnly records matching the filter.
	SumScores(ctx context.Context, filter ScoreFilter) (int64, error)
	// ListScores returns records matching the filter, ascending by
	// timestamp, including LogOnly records.
	ListScores(ctx context.Context, filter ScoreFilter) ([]ScoreRecord, error)
	// DistinctSponsors returns the sponsor ids a player has collected,
	// ascending.
	DistinctSponsors(ctx context.Context, player uint32) ([]int64, error)
	// ScoreboardRows returns per-player per-game-type sums over non-LogOnly
	// records strictly before the cutoff.
	ScoreboardRows(ctx context.Context, before time.Time) ([]ScoreboardRow, error)
	// SponsorRows returns every (player, sponsor) connection recorded
	// strictly before the cutoff.
	SponsorRows(ctx context.Context, before time.Time) ([]SponsorRow, error)
}

// BuffStore persists the mutable current buff row and its append-only
// history.
type BuffStore interface {
	// UpsertBuff replaces the player's current buff row and appends a
	// history row.
	UpsertBuff(ctx context.Context, state BuffState) error
	// GetBuff returns the current buff row, or ErrNotFound.
	GetBuff(ctx context.Context, player uint32) (BuffState, error)
}

// SnapshotStore persists station score snapshots.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap ScoreSnapshot) error
	// LatestSnapshotBefore returns the newest snapshot strictly before the
	// cutoff, or ErrNotFound.
	LatestSnapshotBefore(ctx context.Context, station int64, before time.Time) (ScoreSnapshot, error)
}

// Store aggregates every game-logic persistence concern.
type Store interface {
	AttackStore
	ScoreStore
	BuffStore
	SnapshotStore
}
