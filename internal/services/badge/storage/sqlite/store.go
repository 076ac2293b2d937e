// Package sqlite provides the SQLite-backed packet-pipeline store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	sqlitemigrate "github.com/ksw2000/hitcon-pcb-badge/internal/platform/storage/sqlitemigrate"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage/sqlite/migrations"
)

// Store persists packet-pipeline state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite packet store and applies embedded migrations.
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

// SavePacket inserts one stored frame.
func (s *Store) SavePacket(ctx context.Context, p storage.StoredPacket) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO packets (id, data, hash, station_id, to_station, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(),
		p.Data,
		p.Hash,
		p.StationID,
		boolToInt(p.ToStation),
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("save packet: %w", err)
	}
	return nil
}

// PacketsByHash returns stored outbound frames with the given truncated
// hash, oldest first.
func (s *Store) PacketsByHash(ctx context.Context, hash []byte) ([]storage.StoredPacket, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, data, hash, station_id, to_station, created_at
		 FROM packets WHERE hash = ? AND to_station = 1
		 ORDER BY created_at ASC, id ASC`,
		hash,
	)
	if err != nil {
		return nil, fmt.Errorf("packets by hash: %w", err)
	}
	defer rows.Close()
	packets, err := scanPackets(rows)
	if err != nil {
		return nil, err
	}
	return packets, nil
}

// DeletePacket removes a stored frame and, via cascade, every queue
// reference to it.
func (s *Store) DeletePacket(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM packets WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete packet: %w", err)
	}
	return nil
}

// EnqueueRx records an inbound frame as in-flight for the station.
func (s *Store) EnqueueRx(ctx context.Context, station int64, packet uuid.UUID) error {
	return s.enqueue(ctx, "station_rx_queue", "station_id", station, packet)
}

// EnqueueTx queues an outbound frame for the station's next poll.
func (s *Store) EnqueueTx(ctx context.Context, station int64, packet uuid.UUID) error {
	return s.enqueue(ctx, "station_tx_queue", "station_id", station, packet)
}

// EnqueuePending queues an outbound frame for a user whose station is
// unknown.
func (s *Store) EnqueuePending(ctx context.Context, user uint32, packet uuid.UUID) error {
	return s.enqueue(ctx, "user_pending_queue", "user_id", int64(user), packet)
}

func (s *Store) enqueue(ctx context.Context, table, ownerColumn string, owner int64, packet uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, packet_id) VALUES (?, ?)`, table, ownerColumn)
	if _, err := s.sqlDB.ExecContext(ctx, query, owner, packet.String()); err != nil {
		return fmt.Errorf("enqueue into %s: %w", table, err)
	}
	return nil
}

// MovePendingToTx moves every pending frame for the user onto the station's
// tx queue, preserving order.
func (s *Store) MovePendingToTx(ctx context.Context, user uint32, station int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move pending: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO station_tx_queue (station_id, packet_id)
		 SELECT ?, packet_id FROM user_pending_queue WHERE user_id = ? ORDER BY id ASC`,
		station,
		int64(user),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("move pending to tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_pending_queue WHERE user_id = ?`, int64(user)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear pending queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move pending: %w", err)
	}
	return nil
}

// DrainTx removes and returns the station's queued outbound frames in
// order, deleting each from storage as it is handed off.
func (s *Store) DrainTx(ctx context.Context, station int64) ([]storage.StoredPacket, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain tx: %w", err)
	}
	rows, err := tx.QueryContext(
		ctx,
		`SELECT p.id, p.data, p.hash, p.station_id, p.to_station, p.created_at
		 FROM station_tx_queue q JOIN packets p ON p.id = q.packet_id
		 WHERE q.station_id = ?
		 ORDER BY q.id ASC`,
		station,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("drain tx queue: %w", err)
	}
	packets, err := scanPackets(rows)
	rows.Close()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	for _, p := range packets {
		if _, err := tx.ExecContext(ctx, `DELETE FROM packets WHERE id = ?`, p.ID.String()); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("delete drained packet: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain tx: %w", err)
	}
	return packets, nil
}

func scanPackets(rows *sql.Rows) ([]storage.StoredPacket, error) {
	var packets []storage.StoredPacket
	for rows.Next() {
		var (
			id        string
			p         storage.StoredPacket
			toStation int64
			createdAt int64
		)
		if err := rows.Scan(&id, &p.Data, &p.Hash, &p.StationID, &toStation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse packet id %q: %w", id, err)
		}
		p.ID = parsed
		p.ToStation = toStation != 0
		p.CreatedAt = fromMillis(createdAt)
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packets: %w", err)
	}
	return packets, nil
}

// InsertStation assigns and returns the station id.
func (s *Store) InsertStation(ctx context.Context, name, key string) (storage.Station, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Station{}, err
	}
	createdAt := time.Now()
	res, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO stations (name, key, created_at) VALUES (?, ?, ?)`,
		name,
		key,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Station{}, storage.ErrAlreadyExists
		}
		return storage.Station{}, fmt.Errorf("insert station: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Station{}, fmt.Errorf("station id: %w", err)
	}
	return storage.Station{ID: id, Name: name, Key: key, CreatedAt: createdAt.UTC()}, nil
}

// StationByKey resolves a bearer credential, or ErrNotFound.
func (s *Store) StationByKey(ctx context.Context, key string) (storage.Station, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Station{}, err
	}
	var (
		station   storage.Station
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, key, created_at FROM stations WHERE key = ?`,
		key,
	).Scan(&station.ID, &station.Name, &station.Key, &createdAt)
	if err == sql.ErrNoRows {
		return storage.Station{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Station{}, fmt.Errorf("station by key: %w", err)
	}
	station.CreatedAt = fromMillis(createdAt)
	return station, nil
}

// InsertUser persists a new badge identity.
func (s *Store) InsertUser(ctx context.Context, u storage.User) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, pub_key, pet, created_at) VALUES (?, ?, ?, ?)`,
		int64(u.ID),
		u.PubKey,
		u.Pet,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserByID returns the user, or ErrNotFound.
func (s *Store) UserByID(ctx context.Context, id uint32) (storage.User, error) {
	if err := s.ready(ctx); err != nil {
		return storage.User{}, err
	}
	return s.userByQuery(ctx, `SELECT id, pub_key, pet, created_at FROM users WHERE id = ?`, int64(id))
}

// UserByPubKey returns the user owning the encoded key, or ErrNotFound.
func (s *Store) UserByPubKey(ctx context.Context, pubKey []byte) (storage.User, error) {
	if err := s.ready(ctx); err != nil {
		return storage.User{}, err
	}
	return s.userByQuery(ctx, `SELECT id, pub_key, pet, created_at FROM users WHERE pub_key = ?`, pubKey)
}

func (s *Store) userByQuery(ctx context.Context, query string, arg any) (storage.User, error) {
	var (
		id        int64
		u         storage.User
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, query, arg).Scan(&id, &u.PubKey, &u.Pet, &createdAt)
	if err == sql.ErrNoRows {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("load user: %w", err)
	}
	u.ID = uint32(id)
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// UpdatePet replaces the user's pet blob.
func (s *Store) UpdatePet(ctx context.Context, id uint32, pet []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE users SET pet = ? WHERE id = ?`, pet, int64(id))
	if err != nil {
		return fmt.Errorf("update pet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pet result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertLink binds an attendee uid to a badge user. Re-linking the same pair
// is a no-op; a uid bound to a different user is a conflict.
func (s *Store) InsertLink(ctx context.Context, uid string, user uint32) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO badge_links (uid, user_id, created_at) VALUES (?, ?, ?)`,
		uid,
		int64(user),
		toMillis(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.UserByLink(ctx, uid)
			if lookupErr == nil && existing == user {
				return nil
			}
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert badge link: %w", err)
	}
	return nil
}

// UserByLink resolves an attendee uid, or ErrNotFound.
func (s *Store) UserByLink(ctx context.Context, uid string) (uint32, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var user int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT user_id FROM badge_links WHERE uid = ?`, uid).Scan(&user)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("user by link: %w", err)
	}
	return uint32(user), nil
}

// PutRendezvous stores the first-arriving side of a two-badge match.
func (s *Store) PutRendezvous(ctx context.Context, e storage.RendezvousEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rendezvous (game_type, user1, user2, score1, score2, nonce, side, packet_id, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key.GameType,
		int64(e.Key.User1),
		int64(e.Key.User2),
		e.Key.Score1,
		e.Key.Score2,
		int64(e.Key.Nonce),
		e.Side,
		e.PacketID.String(),
		e.Signature,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put rendezvous: %w", err)
	}
	return nil
}

// GetRendezvous returns the pending entry, or ErrNotFound.
func (s *Store) GetRendezvous(ctx context.Context, key storage.RendezvousKey) (storage.RendezvousEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.RendezvousEntry{}, err
	}
	var (
		e         storage.RendezvousEntry
		packetID  string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT side, packet_id, signature, created_at FROM rendezvous
		 WHERE game_type = ? AND user1 = ? AND user2 = ? AND score1 = ? AND score2 = ? AND nonce = ?`,
		key.GameType,
		int64(key.User1),
		int64(key.User2),
		key.Score1,
		key.Score2,
		int64(key.Nonce),
	).Scan(&e.Side, &packetID, &e.Signature, &createdAt)
	if err == sql.ErrNoRows {
		return storage.RendezvousEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RendezvousEntry{}, fmt.Errorf("get rendezvous: %w", err)
	}
	parsed, err := uuid.Parse(packetID)
	if err != nil {
		return storage.RendezvousEntry{}, fmt.Errorf("parse rendezvous packet id %q: %w", packetID, err)
	}
	e.Key = key
	e.PacketID = parsed
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}

// DeleteRendezvous removes a pending entry.
func (s *Store) DeleteRendezvous(ctx context.Context, key storage.RendezvousKey) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM rendezvous
		 WHERE game_type = ? AND user1 = ? AND user2 = ? AND score1 = ? AND score2 = ? AND nonce = ?`,
		key.GameType,
		int64(key.User1),
		int64(key.User2),
		key.Score1,
		key.Score2,
		int64(key.Nonce),
	)
	if err != nil {
		return fmt.Errorf("delete rendezvous: %w", err)
	}
	return nil
}

// DeleteRendezvousBefore sweeps entries created before the cutoff.
func (s *Store) DeleteRendezvousBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM rendezvous WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep rendezvous: %w", err)
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rendezvous result: %w", err)
	}
	return swept, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

var _ storage.Store = (*Store)(nil)
