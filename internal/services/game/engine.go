// Package game implements the scoring engine: time-decaying station capture
// scores, per-player aggregate scores, buffs, and sponsor bonuses.
package game

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/errors"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game/storage"
)

// Config holds the scoring constants. Zero values are replaced by defaults
// in NewEngine.
type Config struct {
	ScoreLowerBound int64
	ScoreUpperBound int64
	// DecayInterval is the fixed wall-clock period between decay steps,
	// aligned to the engine epoch.
	DecayInterval time.Duration
	// DecayAmount is how far each step moves a station total toward zero.
	DecayAmount int64
	// SnapshotMinInterval is the minimum age a computation must have over
	// the snapshot it started from before a new snapshot is written.
	SnapshotMinInterval time.Duration
	// ScoreGranularity buckets aggregate-score query times so repeated
	// queries inside one bucket hit the cache. Zero disables caching.
	ScoreGranularity time.Duration
	// SponsorIDs is the configured set of collectible sponsors.
	SponsorIDs []int64
	// SponsorConnectScore is the fixed score recorded per sponsor connect.
	SponsorConnectScore int64
	// SponsorCompletionBonus is the raw attack amount applied when a player
	// collects every configured sponsor.
	SponsorCompletionBonus int64
}

// DefaultConfig returns the venue constants.
func DefaultConfig() Config {
	return Config{
		ScoreLowerBound:        -1000,
		ScoreUpperBound:        1000,
		DecayInterval:          30 * time.Second,
		DecayAmount:            10,
		SnapshotMinInterval:    10 * time.Second,
		ScoreGranularity:       10 * time.Second,
		SponsorConnectScore:    50,
		SponsorCompletionBonus: 200,
	}
}

// Engine computes scores from append-only history. Station scores are
// replayed from the epoch (or the latest snapshot) with decay steps between
// attack records; aggregate scores are sums over score history with
// per-bucket caching.
type Engine struct {
	store      storage.Store
	cfg        Config
	epoch      time.Time
	scoreCache *cache.Cache
	clock      func() time.Time
}

// NewEngine builds an engine over the given store. The epoch anchors decay
// step boundaries and must stay stable across restarts for historical
// queries to replay identically.
func NewEngine(store storage.Store, cfg Config, epoch time.Time) *Engine {
	def := DefaultConfig()
	if cfg.ScoreLowerBound == 0 && cfg.ScoreUpperBound == 0 {
		cfg.ScoreLowerBound = def.ScoreLowerBound
		cfg.ScoreUpperBound = def.ScoreUpperBound
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = def.DecayInterval
	}
	if cfg.DecayAmount <= 0 {
		cfg.DecayAmount = def.DecayAmount
	}
	if cfg.SnapshotMinInterval <= 0 {
		cfg.SnapshotMinInterval = def.SnapshotMinInterval
	}
	if cfg.SponsorConnectScore == 0 {
		cfg.SponsorConnectScore = def.SponsorConnectScore
	}
	if cfg.SponsorCompletionBonus == 0 {
		cfg.SponsorCompletionBonus = def.SponsorCompletionBonus
	}
	if epoch.IsZero() {
		epoch = time.Now().UTC()
	}
	return &Engine{
		store:      store,
		cfg:        cfg,
		epoch:      epoch.UTC(),
		scoreCache: cache.New(cache.NoExpiration, 10*time.Minute),
		clock:      time.Now,
	}
}

// AttackStation records a station attack. rawAmount is multiplied by the
// player's current buff factor 1 + 0.04·a + 0.04·b, truncated toward zero;
// the raw amount and buff counts are retained alongside the record.
func (e *Engine) AttackStation(ctx context.Context, player uint32, station int64, rawAmount int64, at time.Time) error {
	buff, err := e.store.GetBuff(ctx, player)
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("load buff for player %d: %w", player, err)
	}
	amount := rawAmount * (100 + 4*buff.BuffA + 4*buff.BuffB) / 100
	return e.store.AppendAttack(ctx, storage.AttackRecord{
		Player:    player,
		Station:   station,
		Amount:    amount,
		RawAmount: rawAmount,
		BuffA:     buff.BuffA,
		BuffB:     buff.BuffB,
		Timestamp: at.UTC(),
	})
}

// StationScore replays the station's attack history up to before and returns
// the decayed, clamped total. Replay starts from the newest snapshot older
// than before when one exists. The result depends only on the history and
// elapsed time, never on query order; snapshots are a shortcut, not a
// semantic input.
func (e *Engine) StationScore(ctx context.Context, station int64, before time.Time) (int64, error) {
	if before.IsZero() {
		before = e.clock()
	}
	before = before.UTC()

	var total int64
	start := e.epoch
	snap, err := e.store.LatestSnapshotBefore(ctx, station, before)
	switch err {
	case nil:
		total = snap.Total
		start = snap.Timestamp
	case storage.ErrNotFound:
	default:
		return 0, fmt.Errorf("load score snapshot: %w", err)
	}

	// Decay boundaries are aligned to the epoch regardless of where replay
	// starts; only steps strictly after the replay start apply.
	pointer := e.epoch
	proceed := func(until time.Time) {
		if !pointer.Before(until) {
			return
		}
		for !pointer.After(until) {
			if pointer.After(start) {
				total -= sign(total) * min(e.cfg.DecayAmount, abs(total))
			}
			pointer = pointer.Add(e.cfg.DecayInterval)
		}
	}

	records, err := e.store.ListAttacks(ctx, station, start, before)
	if err != nil {
		return 0, fmt.Errorf("list attacks: %w", err)
	}
	for _, rec := range records {
		proceed(rec.Timestamp)
		total = clamp(total+rec.Amount, e.cfg.ScoreLowerBound, e.cfg.ScoreUpperBound)
	}
	proceed(before)

	if before.Sub(start) >= e.cfg.SnapshotMinInterval {
		if err := e.store.AppendSnapshot(ctx, storage.ScoreSnapshot{
			Station:   station,
			Timestamp: before,
			Total:     total,
		}); err != nil {
			return 0, fmt.Errorf("append score snapshot: %w", err)
		}
	}
	return total, nil
}

// ReceiveSinglePlayerScore appends one score record. The ReCTF game type is
// log-only: those records are kept for history but never counted toward
// aggregates, because ReCTF achievements enter scoring as buffs instead.
func (e *Engine) ReceiveSinglePlayerScore(ctx context.Context, player uint32, station int64, score int64, gameType storage.GameType, at time.Time) error {
	return e.store.AppendScores(ctx, storage.ScoreRecord{
		Player:    player,
		Station:   station,
		Score:     score,
		GameType:  gameType,
		SponsorID: -1,
		LogOnly:   gameType == storage.GameReCTF,
		Timestamp: at.UTC(),
	})
}

// ReceiveTwoPlayerScore appends both players' score records for one
// two-player game. For SNAKE and TETRIS the strictly higher of the two
// scores is doubled before storing; a tie doubles neither.
func (e *Engine) ReceiveTwoPlayerScore(ctx context.Context, eventID string, player1, player2 uint32, station int64, score1, score2 int64, gameType storage.GameType, at time.Time) error {
	if gameType == storage.GameSnake || gameType == storage.GameTetris {
		switch {
		case score1 > score2:
			score1 *= 2
		case score2 > score1:
			score2 *= 2
		}
	}
	at = at.UTC()
	return e.store.AppendScores(ctx,
		storage.ScoreRecord{
			Player:           player1,
			Station:          station,
			Score:            score1,
			GameType:         gameType,
			SponsorID:        -1,
			TwoPlayerEventID: eventID,
			Timestamp:        at,
		},
		storage.ScoreRecord{
			Player:           player2,
			Station:          station,
			Score:            score2,
			GameType:         gameType,
			SponsorID:        -1,
			TwoPlayerEventID: eventID,
			Timestamp:        at,
		},
	)
}

// ConnectSponsor records a sponsor connection, once per (player, sponsor)
// pair. The submission completing the full configured set triggers one bonus
// attack on the station, signed by team. Duplicate submissions are no-ops.
//
// The collected-check and the insert are not transactional; two concurrent
// submissions for the same sponsor can both land. Accepted at venue scale.
func (e *Engine) ConnectSponsor(ctx context.Context, player uint32, station int64, sponsorID int64, team int64, at time.Time) (accepted bool, completed bool, err error) {
	if !containsSponsor(e.cfg.SponsorIDs, sponsorID) {
		return false, false, errors.New(errors.CodeFailedPrecondition, fmt.Sprintf("unknown sponsor id %d", sponsorID))
	}
	collected, err := e.store.DistinctSponsors(ctx, player)
	if err != nil {
		return false, false, fmt.Errorf("list collected sponsors: %w", err)
	}
	if containsSponsor(collected, sponsorID) {
		return false, false, nil
	}

	at = at.UTC()
	if err := e.store.AppendScores(ctx, storage.ScoreRecord{
		Player:    player,
		Station:   station,
		Score:     e.cfg.SponsorConnectScore,
		GameType:  storage.GameConnectSponsor,
		SponsorID: sponsorID,
		Timestamp: at,
	}); err != nil {
		return false, false, fmt.Errorf("append sponsor score: %w", err)
	}

	collected = append(collected, sponsorID)
	for _, id := range e.cfg.SponsorIDs {
		if !containsSponsor(collected, id) {
			return true, false, nil
		}
	}
	if err := e.AttackStation(ctx, player, station, team*e.cfg.SponsorCompletionBonus, at); err != nil {
		return true, false, fmt.Errorf("apply sponsor completion bonus: %w", err)
	}
	return true, true, nil
}

// GameScore sums non-log-only score records matching the filter. When
// granularity is enabled, the cutoff is rounded down to its bucket and the
// result is cached per bucket; when disabled, every call hits storage.
func (e *Engine) GameScore(ctx context.Context, filter storage.ScoreFilter) (int64, error) {
	if filter.Before.IsZero() {
		filter.Before = e.clock()
	}
	filter.Before = filter.Before.UTC()

	cacheable := e.cfg.ScoreGranularity > 0
	var key string
	if cacheable {
		filter.Before = e.bucket(filter.Before)
		key = scoreCacheKey(filter)
		if v, ok := e.scoreCache.Get(key); ok {
			return v.(int64), nil
		}
	}

	total, err := e.store.SumScores(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("sum scores: %w", err)
	}
	if cacheable {
		e.scoreCache.Set(key, total, cache.DefaultExpiration)
	}
	return total, nil
}

// ScoreHistory lists score records matching the filter, including log-only
// rows.
func (e *Engine) ScoreHistory(ctx context.Context, filter storage.ScoreFilter) ([]storage.ScoreRecord, error) {
	if filter.Before.IsZero() {
		filter.Before = e.clock()
	}
	return e.store.ListScores(ctx, filter)
}

// ScoreboardEntry is one player's aggregate standing.
type ScoreboardEntry struct {
	Player   uint32
	Scores   map[storage.GameType]int64
	Total    int64
	Sponsors []int64
}

// Scoreboard returns every player with at least one countable record before
// the cutoff: per-game-type sums (missing types default to 0), an overall
// total, and the distinct sponsors collected. Ordered by total descending,
// then player id ascending.
func (e *Engine) Scoreboard(ctx context.Context, before time.Time) ([]ScoreboardEntry, error) {
	if before.IsZero() {
		before = e.clock()
	}
	before = before.UTC()

	rows, err := e.store.ScoreboardRows(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("load scoreboard rows: %w", err)
	}
	sponsors, err := e.store.SponsorRows(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("load sponsor rows: %w", err)
	}

	byPlayer := make(map[uint32]*ScoreboardEntry)
	var order []uint32
	for _, row := range rows {
		entry, ok := byPlayer[row.Player]
		if !ok {
			entry = &ScoreboardEntry{
				Player: row.Player,
				Scores: map[storage.GameType]int64{
					storage.GameShakeBadge:     0,
					storage.GameDino:           0,
					storage.GameSnake:          0,
					storage.GameTetris:         0,
					storage.GameConnectSponsor: 0,
					storage.GameReCTF:          0,
				},
			}
			byPlayer[row.Player] = entry
			order = append(order, row.Player)
		}
		entry.Scores[row.GameType] += row.Total
		entry.Total += row.Total
	}
	for _, row := range sponsors {
		if entry, ok := byPlayer[row.Player]; ok {
			entry.Sponsors = append(entry.Sponsors, row.Sponsor)
		}
	}

	entries := make([]ScoreboardEntry, 0, len(order))
	for _, player := range order {
		entries = append(entries, *byPlayer[player])
	}
	sortScoreboard(entries)
	return entries, nil
}

// UpdatePlayerBuff upserts the player's current buff counts and appends a
// history row. Callers must supply non-decreasing timestamps per player;
// out-of-order calls have no defined behavior and are not validated here.
func (e *Engine) UpdatePlayerBuff(ctx context.Context, player uint32, buffA, buffB int64, at time.Time) error {
	return e.store.UpsertBuff(ctx, storage.BuffState{
		Player:    player,
		BuffA:     buffA,
		BuffB:     buffB,
		UpdatedAt: at.UTC(),
	})
}

// PlayerBuff returns the player's current buff counts; unknown players have
// zero buffs.
func (e *Engine) PlayerBuff(ctx context.Context, player uint32) (storage.BuffState, error) {
	buff, err := e.store.GetBuff(ctx, player)
	if err == storage.ErrNotFound {
		return storage.BuffState{Player: player}, nil
	}
	return buff, err
}

// bucket rounds t down to the start of its granularity bucket, measured from
// the epoch.
func (e *Engine) bucket(t time.Time) time.Time {
	gran := e.cfg.ScoreGranularity
	elapsed := time.Duration(math.Round(t.Sub(e.epoch).Seconds())) * time.Second
	if elapsed < 0 {
		return t
	}
	return e.epoch.Add(elapsed / gran * gran)
}

func scoreCacheKey(f storage.ScoreFilter) string {
	player, station, gameType := "*", "*", "*"
	if f.Player != nil {
		player = fmt.Sprint(*f.Player)
	}
	if f.Station != nil {
		station = fmt.Sprint(*f.Station)
	}
	if f.GameType != nil {
		gameType = string(*f.GameType)
	}
	return fmt.Sprintf("game_score:%s:%s:%s:%d:%d", player, station, gameType, f.Party, f.Before.UnixMilli())
}

func containsSponsor(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sortScoreboard(entries []ScoreboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		return entries[i].Player < entries[j].Player
	})
}

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
