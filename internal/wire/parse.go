package wire

import (
	"encoding/binary"

	"github.com/ksw2000/hitcon-pcb-badge/internal/ecc"
)

// Parse decodes a frame into its typed event. Unknown packet types and
// truncated payloads decode to nil; callers treat both as "no event".
// Acknowledge frames are not events and also decode to nil.
func Parse(p Packet) Event {
	typ, ok := p.Type()
	if !ok {
		return nil
	}
	body := p.Data[headerLen:]

	switch typ {
	case TypeProximity:
		if len(body) < UserLen+1+2+ecc.SignatureSize {
			return nil
		}
		return &ProximityEvent{
			EventMeta: newMeta(p),
			User:      binary.LittleEndian.Uint32(body[0:4]),
			Power:     body[4],
			Nonce:     binary.LittleEndian.Uint16(body[5:7]),
			Signature: body[7 : 7+ecc.SignatureSize],
		}

	case TypePubAnnounce:
		if len(body) < ecc.PublicKeySize+ecc.SignatureSize {
			return nil
		}
		return &PubAnnounceEvent{
			EventMeta: newMeta(p),
			PubKey:    body[:ecc.PublicKeySize],
			Signature: body[ecc.PublicKeySize : ecc.PublicKeySize+ecc.SignatureSize],
		}

	case TypeTwoBadgeActivity:
		if len(body) < 2*UserLen+5+ecc.SignatureSize {
			return nil
		}
		return &TwoBadgeActivityEvent{
			EventMeta: newMeta(p),
			User1:     binary.LittleEndian.Uint32(body[0:4]),
			User2:     binary.LittleEndian.Uint32(body[4:8]),
			GameData:  body[8:13],
			Signature: body[13 : 13+ecc.SignatureSize],
		}

	case TypeScoreAnnounce:
		if len(body) < UserLen+4+ecc.SignatureSize {
			return nil
		}
		return &ScoreAnnounceEvent{
			EventMeta: newMeta(p),
			User:      binary.LittleEndian.Uint32(body[0:4]),
			Score:     binary.LittleEndian.Uint32(body[4:8]),
			Signature: body[8 : 8+ecc.SignatureSize],
		}

	case TypeSingleBadgeActivity:
		if len(body) < UserLen+1+3+ecc.SignatureSize {
			return nil
		}
		return &SingleBadgeActivityEvent{
			EventMeta: newMeta(p),
			User:      binary.LittleEndian.Uint32(body[0:4]),
			EventType: body[4],
			EventData: body[5:8],
			Signature: body[8 : 8+ecc.SignatureSize],
		}

	case TypeSponsorActivity:
		if len(body) < UserLen+1+9 {
			return nil
		}
		return &SponsorActivityEvent{
			EventMeta:   newMeta(p),
			User:        binary.LittleEndian.Uint32(body[0:4]),
			SponsorID:   body[4],
			Nonce:       body[5],
			SponsorData: body[5:14],
		}

	case TypeRequestScore:
		if len(body) < UserLen+ecc.SignatureSize {
			return nil
		}
		return &RequestScoreEvent{
			EventMeta: newMeta(p),
			User:      binary.LittleEndian.Uint32(body[0:4]),
			Signature: body[4 : 4+ecc.SignatureSize],
		}

	case TypeSavePet:
		if len(body) < UserLen+PetDataLen+ecc.SignatureSize {
			return nil
		}
		return &SavePetEvent{
			EventMeta: newMeta(p),
			User:      binary.LittleEndian.Uint32(body[0:4]),
			PetData:   body[4 : 4+PetDataLen],
			Signature: body[10 : 10+ecc.SignatureSize],
		}

	case TypeRestorePet:
		if len(body) < UserLen+ecc.SignatureSize {
			return nil
		}
		return &RestorePetEvent{
			EventMeta: newMeta(p),
			User:      binary.LittleEndian.Uint32(body[0:4]),
			Signature: body[4 : 4+ecc.SignatureSize],
		}

	default:
		return nil
	}
}
