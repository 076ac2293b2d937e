package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func frame(typ PacketType, payload []byte) []byte {
	data := []byte{0, byte(typ)}
	return append(data, payload...)
}

func le32(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}

func TestParseProximity(t *testing.T) {
	t.Parallel()
	payload := append(le32(0xAABBCC), 9)
	payload = append(payload, 0x34, 0x12)
	payload = append(payload, bytes.Repeat([]byte{0x7F}, 14)...)
	p := NewPacket(frame(TypeProximity, payload), 3, false)

	ev := Parse(p)
	prox, ok := ev.(*ProximityEvent)
	if !ok {
		t.Fatalf("Parse() = %T, want *ProximityEvent", ev)
	}
	if prox.User != 0xAABBCC {
		t.Errorf("User = %#x, want 0xAABBCC", prox.User)
	}
	if prox.Power != 9 {
		t.Errorf("Power = %d, want 9", prox.Power)
	}
	if prox.Nonce != 0x1234 {
		t.Errorf("Nonce = %#x, want 0x1234", prox.Nonce)
	}
	if len(prox.Signature) != 14 {
		t.Errorf("Signature length = %d, want 14", len(prox.Signature))
	}
	if prox.StationID != 3 {
		t.Errorf("StationID = %d, want 3", prox.StationID)
	}
	if prox.PacketID != p.ID {
		t.Errorf("PacketID = %s, want %s", prox.PacketID, p.ID)
	}
}

func TestParseTwoBadgeActivity(t *testing.T) {
	t.Parallel()
	payload := append(le32(1001), le32(1002)...)
	payload = append(payload, 0x11, 0x22, 0x33, 0x44, 0x55)
	payload = append(payload, bytes.Repeat([]byte{0x01}, 14)...)
	p := NewPacket(frame(TypeTwoBadgeActivity, payload), 1, false)

	ev := Parse(p)
	tba, ok := ev.(*TwoBadgeActivityEvent)
	if !ok {
		t.Fatalf("Parse() = %T, want *TwoBadgeActivityEvent", ev)
	}
	if tba.User1 != 1001 || tba.User2 != 1002 {
		t.Errorf("users = (%d, %d), want (1001, 1002)", tba.User1, tba.User2)
	}
	if !bytes.Equal(tba.GameData, []byte{0x11, 0x22, 0x33, 0x44, 0x55}) {
		t.Errorf("GameData = %x", tba.GameData)
	}
	if tba.PacketFrom != 0 {
		t.Errorf("PacketFrom = %d, want unset", tba.PacketFrom)
	}
}

func TestParseSponsorActivity(t *testing.T) {
	t.Parallel()
	payload := append(le32(42), 7)
	payload = append(payload, 0xC1, 1, 2, 3, 4, 5, 6, 7, 8)
	p := NewPacket(frame(TypeSponsorActivity, payload), 1, false)

	ev := Parse(p)
	sponsor, ok := ev.(*SponsorActivityEvent)
	if !ok {
		t.Fatalf("Parse() = %T, want *SponsorActivityEvent", ev)
	}
	if sponsor.User != 42 || sponsor.SponsorID != 7 {
		t.Errorf("user/sponsor = (%d, %d), want (42, 7)", sponsor.User, sponsor.SponsorID)
	}
	if sponsor.Nonce != 0xC1 {
		t.Errorf("Nonce = %#x, want 0xC1", sponsor.Nonce)
	}
	if len(sponsor.SponsorData) != 9 {
		t.Errorf("SponsorData length = %d, want 9", len(sponsor.SponsorData))
	}
}

func TestParseSavePet(t *testing.T) {
	t.Parallel()
	payload := append(le32(42), 1, 2, 3, 4, 5, 6)
	payload = append(payload, bytes.Repeat([]byte{0x02}, 14)...)
	p := NewPacket(frame(TypeSavePet, payload), 1, false)

	ev := Parse(p)
	pet, ok := ev.(*SavePetEvent)
	if !ok {
		t.Fatalf("Parse() = %T, want *SavePetEvent", ev)
	}
	if !bytes.Equal(pet.PetData, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("PetData = %x", pet.PetData)
	}
}

func TestParseRejectsTruncatedAndUnknown(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"ttl only", []byte{0}},
		{"unknown type", frame(PacketType(200), []byte{1, 2, 3})},
		{"retired type", frame(TypeGame, []byte{1, 2, 3})},
		{"truncated proximity", frame(TypeProximity, []byte{1, 2, 3})},
		{"truncated two badge", frame(TypeTwoBadgeActivity, bytes.Repeat([]byte{0}, 12))},
		{"acknowledge", frame(TypeAcknowledge, bytes.Repeat([]byte{0}, 6))},
	}
	for _, tc := range cases {
		if ev := Parse(NewPacket(tc.data, 1, false)); ev != nil {
			t.Errorf("Parse(%s) = %T, want nil", tc.name, ev)
		}
	}
}

func TestHashCoversSignature(t *testing.T) {
	t.Parallel()
	payload := append(le32(1), 5, 0, 0)
	payload = append(payload, bytes.Repeat([]byte{0x00}, 14)...)
	a := NewPacket(frame(TypeProximity, payload), 1, false)

	tampered := append([]byte(nil), a.Data...)
	tampered[len(tampered)-1] ^= 0xFF
	b := NewPacket(tampered, 1, false)

	if bytes.Equal(a.Hash(), b.Hash()) {
		t.Error("hash ignored the trailing signature bytes")
	}
	if len(a.Hash()) != HashLen {
		t.Errorf("hash length = %d, want %d", len(a.Hash()), HashLen)
	}

	same := NewPacket(append([]byte(nil), a.Data...), 2, false)
	if !bytes.Equal(a.Hash(), same.Hash()) {
		t.Error("identical frame bytes hashed differently")
	}
}

func TestAckPacketLayout(t *testing.T) {
	t.Parallel()
	p := NewPacket(frame(TypeRequestScore, bytes.Repeat([]byte{1}, 18)), 6, false)
	ack := AckPacket(p)

	if len(ack.Data) != 2+HashLen {
		t.Fatalf("ack length = %d, want %d", len(ack.Data), 2+HashLen)
	}
	if ack.Data[0] != 0 || PacketType(ack.Data[1]) != TypeAcknowledge {
		t.Errorf("ack header = %x", ack.Data[:2])
	}
	if !bytes.Equal(ack.Data[2:], p.Hash()) {
		t.Errorf("ack hash = %x, want %x", ack.Data[2:], p.Hash())
	}
	if !ack.ToStation || ack.StationID != 6 {
		t.Errorf("ack routing = (%t, %d), want (true, 6)", ack.ToStation, ack.StationID)
	}
}
