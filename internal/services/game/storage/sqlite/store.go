// Package sqlite provides the SQLite-backed game-logic store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/ksw2000/hitcon-pcb-badge/internal/platform/storage/sqlitemigrate"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game/storage/sqlite/migrations"
)

// Store persists game-logic state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite game store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// AppendAttack inserts one attack record.
func (s *Store) AppendAttack(ctx context.Context, rec storage.AttackRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO attack_history (player_id, station_id, amount, raw_amount, buff_a, buff_b, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.Player),
		rec.Station,
		rec.Amount,
		rec.RawAmount,
		rec.BuffA,
		rec.BuffB,
		toMillis(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append attack: %w", err)
	}
	return nil
}

// ListAttacks returns attacks on a station with start <= ts < before,
// ascending by timestamp.
func (s *Store) ListAttacks(ctx context.Context, station int64, start, before time.Time) ([]storage.AttackRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT player_id, station_id, amount, raw_amount, buff_a, buff_b, ts
		 FROM attack_history
		 WHERE station_id = ? AND ts >= ? AND ts < ?
		 ORDER BY ts ASC, id ASC`,
		station,
		toMillis(start),
		toMillis(before),
	)
	if err != nil {
		return nil, fmt.Errorf("list attacks: %w", err)
	}
	defer rows.Close()

	var records []storage.AttackRecord
	for rows.Next() {
		var (
			player int64
			rec    storage.AttackRecord
			ts     int64
		)
		if err := rows.Scan(&player, &rec.Station, &rec.Amount, &rec.RawAmount, &rec.BuffA, &rec.BuffB, &ts); err != nil {
			return nil, fmt.Errorf("scan attack: %w", err)
		}
		rec.Player = uint32(player)
		rec.Timestamp = fromMillis(ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attacks: %w", err)
	}
	return records, nil
}

// AppendScores inserts score records in one transaction.
func (s *Store) AppendScores(ctx context.Context, recs ...storage.ScoreRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append scores: %w", err)
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO score_history (player_id, station_id, score, game_type, sponsor_id, two_player_event_id, log_only, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(rec.Player),
			rec.Station,
			rec.Score,
			string(rec.GameType),
			rec.SponsorID,
			rec.TwoPlayerEventID,
			boolToInt(rec.LogOnly),
			toMillis(rec.Timestamp),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append score: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append scores: %w", err)
	}
	return nil
}

func scoreFilterClauses(filter storage.ScoreFilter, includeLogOnly bool) (string, []any) {
	clauses := []string{"1=1"}
	if !includeLogOnly {
		clauses = []string{"log_only = 0"}
	}
	var args []any
	if !filter.Before.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, toMillis(filter.Before))
	}
	if filter.Player != nil {
		clauses = append(clauses, "player_id = ?")
		args = append(args, int64(*filter.Player))
	}
	if filter.Station != nil {
		clauses = append(clauses, "station_id = ?")
		args = append(args, *filter.Station)
	}
	if filter.GameType != nil {
		clauses = append(clauses, "game_type = ?")
		args = append(args, string(*filter.GameType))
	}
	switch filter.Party {
	case storage.PartySingle:
		clauses = append(clauses, "two_player_event_id = ''")
	case storage.PartyTwo:
		clauses = append(clauses, "two_player_event_id != ''")
	}
	return strings.Join(clauses, " AND "), args
}

// SumScores totals non-log-only records matching the filter.
func (s *Store) SumScores(ctx context.Context, filter storage.ScoreFilter) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	where, args := scoreFilterClauses(filter, false)
	var total int64
	err := s.sqlDB.QueryRowContext(
		ctx,
		"SELECT COALESCE(SUM(score), 0) FROM score_history WHERE "+where,
		args...,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum scores: %w", err)
	}
	return total, nil
}

// ListScores returns records matching the filter, ascending by timestamp.
// Log-only records are included.
func (s *Store) ListScores(ctx context.Context, filter storage.ScoreFilter) ([]storage.ScoreRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	// Listings are history views; log-only rows stay visible there.
	where, args := scoreFilterClauses(filter, true)
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT player_id, station_id, score, game_type, sponsor_id, two_player_event_id, log_only, ts
		 FROM score_history WHERE `+where+` ORDER BY ts ASC, id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var records []storage.ScoreRecord
	for rows.Next() {
		var (
			player   int64
			rec      storage.ScoreRecord
			gameType string
			logOnly  int64
			ts       int64
		)
		if err := rows.Scan(&player, &rec.Station, &rec.Score, &gameType, &rec.SponsorID, &rec.TwoPlayerEventID, &logOnly, &ts); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		rec.Player = uint32(player)
		rec.GameType = storage.GameType(gameType)
		rec.LogOnly = logOnly != 0
		rec.Timestamp = fromMillis(ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return records, nil
}

// DistinctSponsors returns the sponsor ids a player has collected.
func (s *Store) DistinctSponsors(ctx context.Context, player uint32) ([]int64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT sponsor_id FROM score_history
		 WHERE player_id = ? AND game_type = ? AND sponsor_id >= 0
		 ORDER BY sponsor_id ASC`,
		int64(player),
		string(storage.GameConnectSponsor),
	)
	if err != nil {
		return nil, fmt.Errorf("distinct sponsors: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sponsor id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sponsor ids: %w", err)
	}
	return ids, nil
}

// ScoreboardRows returns per-player per-game-type sums over non-log-only
// records strictly before the cutoff.
func (s *Store) ScoreboardRows(ctx context.Context, before time.Time) ([]storage.ScoreboardRow, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT player_id, game_type, SUM(score) FROM score_history
		 WHERE log_only = 0 AND ts < ?
		 GROUP BY player_id, game_type
		 ORDER BY player_id ASC, game_type ASC`,
		toMillis(before),
	)
	if err != nil {
		return nil, fmt.Errorf("scoreboard rows: %w", err)
	}
	defer rows.Close()

	var result []storage.ScoreboardRow
	for rows.Next() {
		var (
			player   int64
			gameType string
			row      storage.ScoreboardRow
		)
		if err := rows.Scan(&player, &gameType, &row.Total); err != nil {
			return nil, fmt.Errorf("scan scoreboard row: %w", err)
		}
		row.Player = uint32(player)
		row.GameType = storage.GameType(gameType)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scoreboard rows: %w", err)
	}
	return result, nil
}

// SponsorRows returns every (player, sponsor) connection recorded strictly
// before the cutoff.
func (s *Store) SponsorRows(ctx context.Context, before time.Time) ([]storage.SponsorRow, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT player_id, sponsor_id FROM score_history
		 WHERE sponsor_id >= 0 AND ts < ?
		 ORDER BY player_id ASC, sponsor_id ASC`,
		toMillis(before),
	)
	if err != nil {
		return nil, fmt.Errorf("sponsor rows: %w", err)
	}
	defer rows.Close()

	var result []storage.SponsorRow
	for rows.Next() {
		var player int64
		var row storage.SponsorRow
		if err := rows.Scan(&player, &row.Sponsor); err != nil {
			return nil, fmt.Errorf("scan sponsor row: %w", err)
		}
		row.Player = uint32(player)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sponsor rows: %w", err)
	}
	return result, nil
}

// UpsertBuff replaces the player's current buff row and appends a history
// row in one transaction.
func (s *Store) UpsertBuff(ctx context.Context, state storage.BuffState) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert buff: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO player_buffs (player_id, buff_a, buff_b, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(player_id) DO UPDATE SET buff_a = excluded.buff_a, buff_b = excluded.buff_b, updated_at = excluded.updated_at`,
		int64(state.Player),
		state.BuffA,
		state.BuffB,
		toMillis(state.UpdatedAt),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert buff: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO player_buff_history (player_id, buff_a, buff_b, ts) VALUES (?, ?, ?, ?)`,
		int64(state.Player),
		state.BuffA,
		state.BuffB,
		toMillis(state.UpdatedAt),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append buff history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert buff: %w", err)
	}
	return nil
}

// GetBuff returns the current buff row, or ErrNotFound.
func (s *Store) GetBuff(ctx context.Context, player uint32) (storage.BuffState, error) {
	if err := s.ready(ctx); err != nil {
		return storage.BuffState{}, err
	}
	var (
		state storage.BuffState
		ts    int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT buff_a, buff_b, updated_at FROM player_buffs WHERE player_id = ?`,
		int64(player),
	).Scan(&state.BuffA, &state.BuffB, &ts)
	if err == sql.ErrNoRows {
		return storage.BuffState{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.BuffState{}, fmt.Errorf("get buff: %w", err)
	}
	state.Player = player
	state.UpdatedAt = fromMillis(ts)
	return state, nil
}

// AppendSnapshot inserts one station score snapshot.
func (s *Store) AppendSnapshot(ctx context.Context, snap storage.ScoreSnapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO station_score_cache (station_id, ts, total) VALUES (?, ?, ?)`,
		snap.Station,
		toMillis(snap.Timestamp),
		snap.Total,
	)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// LatestSnapshotBefore returns the newest snapshot strictly before the
// cutoff, or ErrNotFound.
func (s *Store) LatestSnapshotBefore(ctx context.Context, station int64, before time.Time) (storage.ScoreSnapshot, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ScoreSnapshot{}, err
	}
	var (
		snap storage.ScoreSnapshot
		ts   int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT station_id, ts, total FROM station_score_cache
		 WHERE station_id = ? AND ts < ?
		 ORDER BY ts DESC, id DESC LIMIT 1`,
		station,
		toMillis(before),
	).Scan(&snap.Station, &ts, &snap.Total)
	if err == sql.ErrNoRows {
		return storage.ScoreSnapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ScoreSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.Timestamp = fromMillis(ts)
	return snap, nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

var _ storage.Store = (*Store)(nil)
