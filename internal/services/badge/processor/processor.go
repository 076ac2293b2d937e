// Package processor implements the inbound frame pipeline: dedup hashing,
// storage, verification, routing, and acknowledgment.
package processor

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/errors"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/auth"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/wire"
)

// DefaultAssociationTTL bounds how long a user stays routable through the
// station that last relayed one of their frames.
const DefaultAssociationTTL = 180 * time.Second

// Dispatcher routes one decoded, verified event to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev wire.Event) error
}

// Processor ties frames, stations, and users together. Every inbound frame
// terminates with exactly one acknowledgment, whether or not it was
// accepted.
type Processor struct {
	store      storage.Store
	authority  *auth.Authority
	dispatcher Dispatcher
	assoc      *cache.Cache
}

// New builds a processor. The dispatcher is attached afterwards via
// SetDispatcher because handlers send outbound frames back through the
// processor.
func New(store storage.Store, authority *auth.Authority, associationTTL time.Duration) *Processor {
	if associationTTL <= 0 {
		associationTTL = DefaultAssociationTTL
	}
	return &Processor{
		store:     store,
		authority: authority,
		assoc:     cache.New(associationTTL, time.Minute),
	}
}

// SetDispatcher attaches the event dispatcher.
func (p *Processor) SetDispatcher(d Dispatcher) { p.dispatcher = d }

// Receive processes one inbound frame from a station. Every frame past the
// empty and inbound-acknowledgment short-circuits terminates by queueing
// exactly one acknowledgment onto the station's tx queue. Authentication
// and precondition failures drop the frame but still acknowledge it, so a
// rejected frame is indistinguishable from an accepted one at the station.
func (p *Processor) Receive(ctx context.Context, data []byte, station int64) error {
	if len(data) == 0 {
		return nil
	}
	packet := wire.NewPacket(data, station, false)

	if typ, ok := packet.Type(); ok && typ == wire.TypeAcknowledge {
		return p.receiveAck(ctx, packet)
	}

	if err := p.store.SavePacket(ctx, storage.StoredPacket{
		ID:        packet.ID,
		Data:      packet.Data,
		Hash:      packet.Hash(),
		StationID: station,
	}); err != nil {
		return fmt.Errorf("store inbound frame: %w", err)
	}
	if err := p.store.EnqueueRx(ctx, station, packet.ID); err != nil {
		return fmt.Errorf("enqueue rx: %w", err)
	}
	// Step order matters: the stored inbound frame must be gone before its
	// ack reuses the packet id.
	finish := func() error {
		if err := p.store.DeletePacket(ctx, packet.ID); err != nil {
			log.Printf("delete inbound frame %s: %v", packet.ID, err)
		}
		return p.sendAck(ctx, packet)
	}

	ev := wire.Parse(packet)
	if ev == nil {
		log.Printf("station %d: malformed or unknown frame dropped", station)
		return finish()
	}

	if err := p.authority.VerifyEvent(ctx, ev, packet); err != nil {
		if errors.IsCode(err, errors.CodeUnauthenticated) || errors.IsCode(err, errors.CodeFailedPrecondition) {
			log.Printf("station %d: frame rejected: %v", station, err)
			return finish()
		}
		if finishErr := finish(); finishErr != nil {
			log.Printf("acknowledge rejected frame: %v", finishErr)
		}
		return fmt.Errorf("verify frame: %w", err)
	}

	if user, ok := eventUser(ev); ok {
		p.Associate(user, station)
		if err := p.store.MovePendingToTx(ctx, user, station); err != nil {
			log.Printf("drain pending queue for user %d: %v", user, err)
		}
	}

	var dispatchErr error
	if p.dispatcher != nil {
		dispatchErr = p.dispatcher.Dispatch(ctx, ev)
	}
	if err := finish(); err != nil {
		return err
	}
	if dispatchErr != nil {
		return fmt.Errorf("dispatch %T: %w", ev, dispatchErr)
	}
	return nil
}

// sendAck stores the acknowledgment frame for the inbound packet and queues
// it on the originating station's tx queue.
func (p *Processor) sendAck(ctx context.Context, inbound wire.Packet) error {
	ack := wire.AckPacket(inbound)
	if err := p.store.SavePacket(ctx, storage.StoredPacket{
		ID:        ack.ID,
		Data:      ack.Data,
		Hash:      ack.Hash(),
		StationID: ack.StationID,
		ToStation: true,
	}); err != nil {
		return fmt.Errorf("store ack frame: %w", err)
	}
	if err := p.store.EnqueueTx(ctx, ack.StationID, ack.ID); err != nil {
		return fmt.Errorf("enqueue ack frame: %w", err)
	}
	return nil
}

// receiveAck removes every stored outbound frame whose truncated hash
// matches the acknowledged one. Deleting the frame also clears its tx queue
// reference.
func (p *Processor) receiveAck(ctx context.Context, packet wire.Packet) error {
	body := packet.Data[2:]
	if len(body) < wire.HashLen {
		return nil
	}
	matches, err := p.store.PacketsByHash(ctx, body[:wire.HashLen])
	if err != nil {
		return fmt.Errorf("match ack hash: %w", err)
	}
	for _, m := range matches {
		if err := p.store.DeletePacket(ctx, m.ID); err != nil {
			return fmt.Errorf("delete acked frame %s: %w", m.ID, err)
		}
	}
	return nil
}

// SendToUser stores an outbound frame and routes it to the user's last-known
// station, or onto the user's pending queue when no station is known.
func (p *Processor) SendToUser(ctx context.Context, data []byte, user uint32) error {
	packet := wire.NewPacket(data, 0, true)
	station, known := p.StationOfUser(user)
	packet.StationID = station

	if err := p.store.SavePacket(ctx, storage.StoredPacket{
		ID:        packet.ID,
		Data:      packet.Data,
		Hash:      packet.Hash(),
		StationID: station,
		ToStation: true,
	}); err != nil {
		return fmt.Errorf("store outbound frame: %w", err)
	}
	if known {
		if err := p.store.EnqueueTx(ctx, station, packet.ID); err != nil {
			return fmt.Errorf("enqueue tx: %w", err)
		}
		return nil
	}
	if err := p.store.EnqueuePending(ctx, user, packet.ID); err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

// PollTx hands off the station's queued outbound frames. Each frame is
// removed as it is yielded; a lost response is not retried from this side.
func (p *Processor) PollTx(ctx context.Context, station int64) ([]wire.Packet, error) {
	stored, err := p.store.DrainTx(ctx, station)
	if err != nil {
		return nil, fmt.Errorf("drain tx: %w", err)
	}
	packets := make([]wire.Packet, 0, len(stored))
	for _, sp := range stored {
		packets = append(packets, wire.Packet{
			ID:        sp.ID,
			Data:      sp.Data,
			StationID: sp.StationID,
			ToStation: true,
		})
	}
	return packets, nil
}

// Associate records that the user's badge was last seen at the station.
func (p *Processor) Associate(user uint32, station int64) {
	p.assoc.Set(assocKey(user), station, cache.DefaultExpiration)
}

// StationOfUser returns the user's last-known station, if the association
// has not expired.
func (p *Processor) StationOfUser(user uint32) (int64, bool) {
	v, ok := p.assoc.Get(assocKey(user))
	if !ok {
		return 0, false
	}
	return v.(int64), true
}

func assocKey(user uint32) string {
	return fmt.Sprintf("user_station:%d", user)
}

// eventUser returns the authenticated user an event should be routed as.
func eventUser(ev wire.Event) (uint32, bool) {
	switch e := ev.(type) {
	case *wire.ProximityEvent:
		return e.User, true
	case *wire.TwoBadgeActivityEvent:
		if e.PacketFrom == 2 {
			return e.User2, true
		}
		return e.User1, true
	case *wire.SingleBadgeActivityEvent:
		return e.User, true
	case *wire.SponsorActivityEvent:
		return e.User, true
	case *wire.RequestScoreEvent:
		return e.User, true
	case *wire.SavePetEvent:
		return e.User, true
	case *wire.RestorePetEvent:
		return e.User, true
	case *wire.PubAnnounceEvent:
		if len(e.PubKey) >= 3 {
			var buf [4]byte
			copy(buf[:3], e.PubKey[:3])
			return binary.LittleEndian.Uint32(buf[:]), true
		}
		return 0, false
	default:
		return 0, false
	}
}
