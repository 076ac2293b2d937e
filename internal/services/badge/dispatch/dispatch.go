// Package dispatch routes decoded, verified badge events to game-logic
// operations, including rendezvous matching of two-badge activities.
package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/errors"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/auth"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game"
	gamestorage "github.com/ksw2000/hitcon-pcb-badge/internal/services/game/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/wire"
)

const (
	// DefaultNonceTTL bounds the duplicate-suppression window for event
	// nonces.
	DefaultNonceTTL = 180 * time.Second
	// DefaultRendezvousTTL bounds how long a one-sided two-badge match
	// waits for its counterpart before being swept.
	DefaultRendezvousTTL = 10 * time.Minute
)

// Sender delivers outbound frames through the packet processor.
type Sender interface {
	SendToUser(ctx context.Context, data []byte, user uint32) error
	StationOfUser(user uint32) (int64, bool)
}

// Dispatcher maps each event variant to its handler. The table is built
// once at construction; there is no runtime registration.
type Dispatcher struct {
	engine    *game.Engine
	authority *auth.Authority
	store     storage.Store
	sender    Sender

	nonces        *cache.Cache
	rendezvousTTL time.Duration

	handlers map[wire.PacketType]func(ctx context.Context, ev wire.Event) error
}

// New builds a dispatcher over the game engine, rendezvous store, and
// outbound sender.
func New(engine *game.Engine, authority *auth.Authority, store storage.Store, sender Sender, nonceTTL, rendezvousTTL time.Duration) *Dispatcher {
	if nonceTTL <= 0 {
		nonceTTL = DefaultNonceTTL
	}
	if rendezvousTTL <= 0 {
		rendezvousTTL = DefaultRendezvousTTL
	}
	d := &Dispatcher{
		engine:        engine,
		authority:     authority,
		store:         store,
		sender:        sender,
		nonces:        cache.New(nonceTTL, time.Minute),
		rendezvousTTL: rendezvousTTL,
	}
	d.handlers = map[wire.PacketType]func(ctx context.Context, ev wire.Event) error{
		wire.TypeProximity:           d.handleProximity,
		wire.TypePubAnnounce:         d.handlePubAnnounce,
		wire.TypeTwoBadgeActivity:    d.handleTwoBadge,
		wire.TypeSingleBadgeActivity: d.handleSingleBadge,
		wire.TypeSponsorActivity:     d.handleSponsor,
		wire.TypeRequestScore:        d.handleRequestScore,
		wire.TypeSavePet:             d.handleSavePet,
		wire.TypeRestorePet:          d.handleRestorePet,
	}
	return d
}

// Dispatch routes one event to its handler. Variants without a handler are
// logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev wire.Event) error {
	handler, ok := d.handlers[ev.Kind()]
	if !ok {
		log.Printf("no handler for packet type %d, event dropped", ev.Kind())
		return nil
	}
	return handler(ctx, ev)
}

// firstSeen atomically claims a dedup key; duplicates within the TTL window
// return false.
func (d *Dispatcher) firstSeen(key string) bool {
	return d.nonces.Add(key, struct{}{}, cache.DefaultExpiration) == nil
}

func gameTypeFromTag(tag uint8) (gamestorage.GameType, bool) {
	switch tag {
	case 1:
		return gamestorage.GameSnake, true
	case 2:
		return gamestorage.GameTetris, true
	case 3:
		return gamestorage.GameDino, true
	case 0x10:
		return gamestorage.GameShakeBadge, true
	default:
		return "", false
	}
}

func (d *Dispatcher) handleSingleBadge(ctx context.Context, ev wire.Event) error {
	e := ev.(*wire.SingleBadgeActivityEvent)
	gameType, ok := gameTypeFromTag(e.EventType)
	if !ok {
		log.Printf("user %d: unknown single-badge game tag %#x, event dropped", e.User, e.EventType)
		return nil
	}
	score, nonce := unpackSingleBadge(e.EventData)
	if !d.firstSeen(fmt.Sprintf("single:%d:%s:%d", e.User, gameType, nonce)) {
		return nil
	}
	if err := d.engine.ReceiveSinglePlayerScore(ctx, e.User, e.StationID, score, gameType, e.Timestamp); err != nil {
		return fmt.Errorf("record single-player score: %w", err)
	}
	if err := d.teamAttack(ctx, e.User, e.StationID, score, e.Timestamp); err != nil {
		return err
	}
	return d.announceScore(ctx, e.User)
}

// unpackSingleBadge splits the 3-byte payload into a 10-bit score and a
// 14-bit nonce.
func unpackSingleBadge(data []byte) (int64, uint16) {
	score := (uint16(data[0]) | (uint16(data[1]&0x3) << 8)) & 0x3FF
	nonce := uint16(data[1]>>2) | uint16(data[2])<<6
	return int64(score), nonce
}

func (d *Dispatcher) handleTwoBadge(ctx context.Context, ev wire.Event) error {
	switch e := ev.(type) {
	case *wire.TwoBadgeActivityEvent:
		return d.rendezvous(ctx, e)
	case *wire.GameActivityEvent:
		return d.handleGameActivity(ctx, e)
	default:
		log.Printf("unexpected two-badge event %T, dropped", ev)
		return nil
	}
}

// rendezvous pairs the two independently relayed sides of one two-badge
// game. The first arrival is stored pending; the counterpart from the other
// side merges both into a GameActivity; a counterpart from the same side is
// a duplicate.
func (d *Dispatcher) rendezvous(ctx context.Context, e *wire.TwoBadgeActivityEvent) error {
	gameType, ok := gameTypeFromTag(e.GameData[0] & 0xF)
	if !ok {
		log.Printf("users %d/%d: unknown two-badge game tag %#x, event dropped", e.User1, e.User2, e.GameData[0]&0xF)
		return nil
	}
	if e.User1 == e.User2 {
		return errors.New(errors.CodeFailedPrecondition, fmt.Sprintf("two-badge frame with equal user ids %d", e.User1))
	}

	score1, score2, nonce := unpackTwoBadge(e.GameData)
	user1, user2 := e.User1, e.User2
	side := e.PacketFrom
	if user1 > user2 {
		user1, user2 = user2, user1
		score1, score2 = score2, score1
		side = 3 - side
	}
	key := storage.RendezvousKey{
		GameType: string(gameType),
		User1:    user1,
		User2:    user2,
		Score1:   score1,
		Score2:   score2,
		Nonce:    nonce,
	}

	if swept, err := d.store.DeleteRendezvousBefore(ctx, e.Timestamp.Add(-d.rendezvousTTL)); err != nil {
		log.Printf("sweep stale rendezvous entries: %v", err)
	} else if swept > 0 {
		log.Printf("swept %d stale rendezvous entries", swept)
	}

	pending, err := d.store.GetRendezvous(ctx, key)
	if err == storage.ErrNotFound {
		putErr := d.store.PutRendezvous(ctx, storage.RendezvousEntry{
			Key:       key,
			Side:      side,
			PacketID:  e.PacketID,
			Signature: e.Signature,
			CreatedAt: e.Timestamp,
		})
		if putErr == storage.ErrAlreadyExists {
			// Lost the race to the counterpart; retry the match once.
			pending, err = d.store.GetRendezvous(ctx, key)
			if err != nil {
				return fmt.Errorf("reload rendezvous entry: %w", err)
			}
		} else if putErr != nil {
			return fmt.Errorf("store rendezvous entry: %w", putErr)
		} else {
			return nil
		}
	} else if err != nil {
		return fmt.Errorf("look up rendezvous entry: %w", err)
	}

	if pending.Side == side {
		log.Printf("duplicate two-badge frame from side %d of %d/%d, dropped", side, user1, user2)
		return nil
	}
	if err := d.store.DeleteRendezvous(ctx, key); err != nil {
		return fmt.Errorf("complete rendezvous entry: %w", err)
	}

	merged := &wire.GameActivityEvent{
		EventMeta: wire.EventMeta{
			EventID:   e.EventID,
			PacketID:  e.PacketID,
			StationID: e.StationID,
			Timestamp: e.Timestamp,
		},
		PacketIDs:  []uuid.UUID{pending.PacketID, e.PacketID},
		GameType:   string(gameType),
		User1:      user1,
		User2:      user2,
		Score1:     score1,
		Score2:     score2,
		Nonce:      nonce,
		Signatures: [][]byte{pending.Signature, e.Signature},
	}
	return d.handleGameActivity(ctx, merged)
}

// unpackTwoBadge splits the 5-byte payload into two 10-bit scores and a
// 16-bit nonce. The low nibble of byte 0 is the game tag.
func unpackTwoBadge(data []byte) (int64, int64, uint16) {
	score1 := uint16(data[0]&0xF0)>>4 | uint16(data[1]&0x3F)<<4
	score2 := uint16(data[1]&0xC0)>>6 | uint16(data[2])<<2
	nonce := binary.LittleEndian.Uint16(data[3:5])
	return int64(score1), int64(score2), nonce
}

func (d *Dispatcher) handleGameActivity(ctx context.Context, e *wire.GameActivityEvent) error {
	if !d.firstSeen(fmt.Sprintf("game:%d:%d:%s:%d", e.User1, e.User2, e.GameType, e.Nonce)) {
		return nil
	}
	if err := d.engine.ReceiveTwoPlayerScore(ctx, e.EventID.String(), e.User1, e.User2, e.StationID, e.Score1, e.Score2, gamestorage.GameType(e.GameType), e.Timestamp); err != nil {
		return fmt.Errorf("record two-player score: %w", err)
	}
	if err := d.teamAttack(ctx, e.User1, e.StationID, e.Score1, e.Timestamp); err != nil {
		return err
	}
	if err := d.teamAttack(ctx, e.User2, e.StationID, e.Score2, e.Timestamp); err != nil {
		return err
	}
	if err := d.announceScore(ctx, e.User1); err != nil {
		return err
	}
	return d.announceScore(ctx, e.User2)
}

func (d *Dispatcher) handleSponsor(ctx context.Context, ev wire.Event) error {
	e := ev.(*wire.SponsorActivityEvent)
	if !d.firstSeen(fmt.Sprintf("sponsor:%d:%d:%d", e.User, e.SponsorID, e.Nonce)) {
		return nil
	}
	team, err := d.authority.Team(ctx, e.User)
	if err != nil {
		return fmt.Errorf("resolve team for user %d: %w", e.User, err)
	}
	if _, _, err := d.engine.ConnectSponsor(ctx, e.User, e.StationID, int64(e.SponsorID), team, e.Timestamp); err != nil {
		return fmt.Errorf("connect sponsor: %w", err)
	}
	return d.announceScore(ctx, e.User)
}

func (d *Dispatcher) handleProximity(ctx context.Context, ev wire.Event) error {
	e := ev.(*wire.ProximityEvent)
	score := int64(e.Power) + 1
	if !d.firstSeen(fmt.Sprintf("single:%d:%s:%d", e.User, gamestorage.GameShakeBadge, e.Nonce)) {
		return nil
	}
	if err := d.engine.ReceiveSinglePlayerScore(ctx, e.User, e.StationID, score, gamestorage.GameShakeBadge, e.Timestamp); err != nil {
		return fmt.Errorf("record proximity score: %w", err)
	}
	if err := d.teamAttack(ctx, e.User, e.StationID, score, e.Timestamp); err != nil {
		return err
	}
	return d.announceScore(ctx, e.User)
}

func (d *Dispatcher) handlePubAnnounce(ctx context.Context, ev wire.Event) error {
	// Registration already happened during verification; nothing to score.
	return nil
}

func (d *Dispatcher) handleRequestScore(ctx context.Context, ev wire.Event) error {
	e := ev.(*wire.RequestScoreEvent)
	return d.announceScore(ctx, e.User)
}

func (d *Dispatcher) handleSavePet(ctx context.Context, ev wire.Event) error {
	e := ev.(*wire.SavePetEvent)
	if err := d.store.UpdatePet(ctx, e.User, e.PetData); err != nil {
		return fmt.Errorf("save pet for user %d: %w", e.User, err)
	}
	return nil
}

func (d *Dispatcher) handleRestorePet(ctx context.Context, ev wire.Event) error {
	e := ev.(*wire.RestorePetEvent)
	u, err := d.store.UserByID(ctx, e.User)
	if err != nil {
		return fmt.Errorf("load pet for user %d: %w", e.User, err)
	}
	pet := u.Pet
	if len(pet) == 0 {
		pet = make([]byte, wire.PetDataLen)
	}
	payload := make([]byte, 0, wire.UserLen+wire.PetDataLen)
	payload = binary.LittleEndian.AppendUint32(payload, e.User)
	payload = append(payload, pet...)
	return d.sendSigned(ctx, wire.TypeRestorePet, payload, e.User)
}

// teamAttack applies a team-signed attack of the given magnitude to the
// player's station.
func (d *Dispatcher) teamAttack(ctx context.Context, user uint32, station int64, amount int64, at time.Time) error {
	team, err := d.authority.Team(ctx, user)
	if err != nil {
		return fmt.Errorf("resolve team for user %d: %w", user, err)
	}
	if err := d.engine.AttackStation(ctx, user, station, team*amount, at); err != nil {
		return fmt.Errorf("attack station %d: %w", station, err)
	}
	return nil
}

// announceScore sends the user their current aggregate score in a
// server-signed frame.
func (d *Dispatcher) announceScore(ctx context.Context, user uint32) error {
	total, err := d.engine.GameScore(ctx, gamestorage.ScoreFilter{Player: &user})
	if err != nil {
		return fmt.Errorf("compute score for user %d: %w", user, err)
	}
	if total < 0 {
		total = 0
	}
	payload := make([]byte, 0, wire.UserLen+4)
	payload = binary.LittleEndian.AppendUint32(payload, user)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(total))
	return d.sendSigned(ctx, wire.TypeScoreAnnounce, payload, user)
}

// sendSigned builds a TTL(0)|type|payload frame, signs it with the server
// key, and hands it to the processor for delivery.
func (d *Dispatcher) sendSigned(ctx context.Context, typ wire.PacketType, payload []byte, user uint32) error {
	frame := make([]byte, 0, 2+len(payload)+14)
	frame = append(frame, 0, byte(typ))
	frame = append(frame, payload...)
	signed, err := d.authority.SignFrame(frame)
	if err != nil {
		return fmt.Errorf("sign outbound frame: %w", err)
	}
	if err := d.sender.SendToUser(ctx, signed, user); err != nil {
		return fmt.Errorf("send frame to user %d: %w", user, err)
	}
	return nil
}
