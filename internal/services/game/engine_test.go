package game

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/errors"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game/storage/sqlite"
)

var testEpoch = time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "game.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, cfg, testEpoch)
}

func TestStationScoreDecaysToZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{})

	if err := engine.AttackStation(ctx, 1, 7, 100, testEpoch.Add(5*time.Second)); err != nil {
		t.Fatalf("AttackStation() error = %v", err)
	}

	cases := []struct {
		offset time.Duration
		want   int64
	}{
		{5 * time.Second, 100},
		{29 * time.Second, 100},
		{30 * time.Second, 90},
		{65 * time.Second, 80},
		{305 * time.Second, 0},
		{10 * time.Minute, 0},
	}
	for _, tc := range cases {
		got, err := engine.StationScore(ctx, 7, testEpoch.Add(tc.offset))
		if err != nil {
			t.Fatalf("StationScore(+%s) error = %v", tc.offset, err)
		}
		if got != tc.want {
			t.Errorf("StationScore(+%s) = %d, want %d", tc.offset, got, tc.want)
		}
	}
}

func TestStationScoreDecayIsMonotonicTowardZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{})

	if err := engine.AttackStation(ctx, 1, 3, -250, testEpoch.Add(time.Second)); err != nil {
		t.Fatalf("AttackStation() error = %v", err)
	}

	prev := int64(-1 << 62)
	for offset := 10 * time.Second; offset <= 20*time.Minute; offset += 25 * time.Second {
		got, err := engine.StationScore(ctx, 3, testEpoch.Add(offset))
		if err != nil {
			t.Fatalf("StationScore(+%s) error = %v", offset, err)
		}
		if got > 0 {
			t.Fatalf("StationScore(+%s) = %d, crossed zero", offset, got)
		}
		if got < prev {
			t.Fatalf("StationScore(+%s) = %d, moved away from zero (previous %d)", offset, got, prev)
		}
		prev = got
	}
	if prev != 0 {
		t.Errorf("final score = %d, want 0", prev)
	}
}

func TestStationScoreClampsAtBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{})

	for i := 0; i < 3; i++ {
		at := testEpoch.Add(time.Duration(i+1) * time.Second)
		if err := engine.AttackStation(ctx, 1, 9, 800, at); err != nil {
			t.Fatalf("AttackStation() error = %v", err)
		}
	}
	got, err := engine.StationScore(ctx, 9, testEpoch.Add(5*time.Second))
	if err != nil {
		t.Fatalf("StationScore() error = %v", err)
	}
	if got != 1000 {
		t.Errorf("StationScore() = %d, want 1000", got)
	}

	for i := 0; i < 4; i++ {
		at := testEpoch.Add(time.Duration(i+6) * time.Second)
		if err := engine.AttackStation(ctx, 2, 9, -800, at); err != nil {
			t.Fatalf("AttackStation() error = %v", err)
		}
	}
	got, err = engine.StationScore(ctx, 9, testEpoch.Add(15*time.Second))
	if err != nil {
		t.Fatalf("StationScore() error = %v", err)
	}
	if got != -1000 {
		t.Errorf("StationScore() = %d, want -1000", got)
	}
}

func TestStationScoreSnapshotReplayMatchesFullReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	attacks := []struct {
		player uint32
		amount int64
		offset time.Duration
	}{
		{1, 400, 3 * time.Second},
		{2, -150, 47 * time.Second},
		{1, 600, 95 * time.Second},
		{3, -900, 200 * time.Second},
		{2, 120, 290 * time.Second},
	}
	final := testEpoch.Add(12 * time.Minute)

	load := func(engine *Engine) {
		for _, a := range attacks {
			if err := engine.AttackStation(ctx, a.player, 5, a.amount, testEpoch.Add(a.offset)); err != nil {
				t.Fatalf("AttackStation() error = %v", err)
			}
		}
	}

	// The warm engine queries at intermediate instants, so its final replay
	// resumes from a snapshot. The cold engine replays from the epoch.
	warm := newTestEngine(t, Config{})
	load(warm)
	for offset := 20 * time.Second; offset < 12*time.Minute; offset += 37 * time.Second {
		if _, err := warm.StationScore(ctx, 5, testEpoch.Add(offset)); err != nil {
			t.Fatalf("StationScore(+%s) error = %v", offset, err)
		}
	}
	warmTotal, err := warm.StationScore(ctx, 5, final)
	if err != nil {
		t.Fatalf("StationScore() error = %v", err)
	}

	cold := newTestEngine(t, Config{})
	load(cold)
	coldTotal, err := cold.StationScore(ctx, 5, final)
	if err != nil {
		t.Fatalf("StationScore() error = %v", err)
	}

	if warmTotal != coldTotal {
		t.Errorf("snapshot replay = %d, full replay = %d", warmTotal, coldTotal)
	}
}

func TestAttackStationAppliesBuffMultiplier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{})

	if err := engine.UpdatePlayerBuff(ctx, 42, 2, 3, testEpoch); err != nil {
		t.Fatalf("UpdatePlayerBuff() error = %v", err)
	}
	if err := engine.AttackStation(ctx, 42, 1, 100, testEpoch.Add(time.Second)); err != nil {
		t.Fatalf("AttackStation() error = %v", err)
	}

	got, err := engine.StationScore(ctx, 1, testEpoch.Add(2*time.Second))
	if err != nil {
		t.Fatalf("StationScore() error = %v", err)
	}
	if got != 120 {
		t.Errorf("StationScore() = %d, want 120 (100 raw at buffs 2+3)", got)
	}

	buff, err := engine.PlayerBuff(ctx, 42)
	if err != nil {
		t.Fatalf("PlayerBuff() error = %v", err)
	}
	if buff.BuffA != 2 || buff.BuffB != 3 {
		t.Errorf("PlayerBuff() = (%d, %d), want (2, 3)", buff.BuffA, buff.BuffB)
	}
}

func TestPlayerBuffDefaultsToZero(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, Config{})

	buff, err := engine.PlayerBuff(context.Background(), 999)
	if err != nil {
		t.Fatalf("PlayerBuff() error = %v", err)
	}
	if buff.BuffA != 0 || buff.BuffB != 0 {
		t.Errorf("PlayerBuff() = (%d, %d), want (0, 0)", buff.BuffA, buff.BuffB)
	}
}

func TestReceiveTwoPlayerScoreDoublesStrictWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{})

	at := testEpoch.Add(time.Second)
	if err := engine.ReceiveTwoPlayerScore(ctx, "evt-1", 1, 2, 4, 15, 20, storage.GameSnake, at); err != nil {
		t.Fatalf("ReceiveTwoPlayerScore() error = %v", err)
	}
	if err := engine.ReceiveTwoPlayerScore(ctx, "evt-2", 1, 2, 4, 30, 25, storage.GameTetris, at.Add(time.Second)); err != nil {
		t.Fatalf("ReceiveTwoPlayerScore() error = %v", err)
	}

	before := testEpoch.Add(time.Minute)
	p1, p2 := uint32(1), uint32(2)
	got1, err := engine.GameScore(ctx, storage.ScoreFilter{Player: &p1, Before: before})
	if err != nil {
		t.Fatalf("GameScore(player 1) error = %v", err)
	}
	got2, err := engine.GameScore(ctx, storage.ScoreFilter{Player: &p2, Before: before})
	if err != nil {
		t.Fatalf("GameScore(player 2) error = %v", err)
	}
	if got1 != 75 {
		t.Errorf("player 1 score = %d, want 75 (15 + doubled 30)", got1)
	}
	if got2 != 65 {
		t.Errorf("player 2 score = %d, want 65 (doubled 20 + 25)", got2)
	}
}

func TestReceiveTwoPlayerScoreTieDoublesNeither(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{})

	if err := engine.ReceiveTwoPlayerScore(ctx, "evt-tie", 8, 9, 4, 20, 20, storage.GameSnake, testEpoch.Add(time.Second)); err != nil {
		t.Fatalf("ReceiveTwoPlayerScore() error = %v", err)
	}
	before := testEpoch.Add(time.Minute)
	for _, player := range []uint32{8, 9} {
		got, err := engine.GameScore(context.Background(), storage.ScoreFilter{Player: &player, Before: before})
		if err != nil {
			t.Fatalf("GameScore(player %d) error = %v", player, err)
		}
		if got != 20 {
			t.Errorf("player %d score = %d, want 20", player, got)
		}
	}
}

func TestReceiveSinglePlayerScoreMarksReCTFLogOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{})

	at := testEpoch.Add(time.Second)
	if err := engine.ReceiveSinglePlayerScore(ctx, 6, 2, 300, storage.GameReCTF, at); err != nil {
		t.Fatalf("ReceiveSinglePlayerScore() error = %v", err)
	}
	if err := engine.ReceiveSinglePlayerScore(ctx, 6, 2, 40, storage.GameDino, at.Add(time.Second)); err != nil {
		t.Fatalf("ReceiveSinglePlayerScore() error = %v", err)
	}

	before := testEpoch.Add(time.Minute)
	player := uint32(6)
	got, err := engine.GameScore(ctx, storage.ScoreFilter{Player: &player, Before: before})
	if err != nil {
		t.Fatalf("GameScore() error = %v", err)
	}
	if got != 40 {
		t.Errorf("GameScore() = %d, want 40 (log-only rows excluded)", got)
	}

	history, err := engine.ScoreHistory(ctx, storage.ScoreFilter{Player: &player, Before: before})
	if err != nil {
		t.Fatalf("ScoreHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("ScoreHistory() returned %d records, want 2", len(history))
	}
	if !history[0].LogOnly || history[0].GameType != storage.GameReCTF {
		t.Errorf("first record = %+v, want log-only rectf", history[0])
	}
}

func TestConnectSponsorCompletionBonus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{SponsorIDs: []int64{1, 2, 3}})

	at := testEpoch.Add(time.Second)
	for i, sponsor := range []int64{1, 2} {
		accepted, completed, err := engine.ConnectSponsor(ctx, 10, 6, sponsor, 1, at.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("ConnectSponsor(%d) error = %v", sponsor, err)
		}
		if !accepted || completed {
			t.Fatalf("ConnectSponsor(%d) = (%t, %t), want (true, false)", sponsor, accepted, completed)
		}
	}

	// Only the completion bonus reaches the station.
	score, err := engine.StationScore(ctx, 6, testEpoch.Add(5*time.Second))
	if err != nil {
		t.Fatalf("StationScore() error = %v", err)
	}
	if score != 0 {
		t.Errorf("StationScore() after 2 of 3 sponsors = %d, want 0", score)
	}

	accepted, completed, err := engine.ConnectSponsor(ctx, 10, 6, 3, 1, at.Add(3*time.Second))
	if err != nil {
		t.Fatalf("ConnectSponsor(3) error = %v", err)
	}
	if !accepted || !completed {
		t.Fatalf("ConnectSponsor(3) = (%t, %t), want (true, true)", accepted, completed)
	}
	score, err = engine.StationScore(ctx, 6, testEpoch.Add(6*time.Second))
	if err != nil {
		t.Fatalf("StationScore() error = %v", err)
	}
	if score != 200 {
		t.Errorf("StationScore() after completion = %d, want 200", score)
	}

	player := uint32(10)
	total, err := engine.GameScore(ctx, storage.ScoreFilter{Player: &player, Before: testEpoch.Add(time.Minute)})
	if err != nil {
		t.Fatalf("GameScore() error = %v", err)
	}
	if total != 150 {
		t.Errorf("player sponsor score = %d, want 150", total)
	}
}

func TestConnectSponsorDuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{SponsorIDs: []int64{1, 2}})

	at := testEpoch.Add(time.Second)
	if _, _, err := engine.ConnectSponsor(ctx, 11, 6, 1, 1, at); err != nil {
		t.Fatalf("ConnectSponsor() error = %v", err)
	}
	accepted, completed, err := engine.ConnectSponsor(ctx, 11, 6, 1, 1, at.Add(time.Second))
	if err != nil {
		t.Fatalf("ConnectSponsor() duplicate error = %v", err)
	}
	if accepted || completed {
		t.Errorf("duplicate ConnectSponsor() = (%t, %t), want (false, false)", accepted, completed)
	}

	player := uint32(11)
	total, err := engine.GameScore(ctx, storage.ScoreFilter{Player: &player, Before: testEpoch.Add(time.Minute)})
	if err != nil {
		t.Fatalf("GameScore() error = %v", err)
	}
	if total != 50 {
		t.Errorf("player sponsor score = %d, want 50 (single record)", total)
	}
}

func TestConnectSponsorRejectsUnknownSponsor(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, Config{SponsorIDs: []int64{1, 2}})

	_, _, err := engine.ConnectSponsor(context.Background(), 12, 6, 99, 1, testEpoch.Add(time.Second))
	if !errors.IsCode(err, errors.CodeFailedPrecondition) {
		t.Errorf("ConnectSponsor(99) error = %v, want CodeFailedPrecondition", err)
	}
}

func TestGameScoreBucketsQueryTimes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{ScoreGranularity: 10 * time.Second})

	if err := engine.ReceiveSinglePlayerScore(ctx, 20, 1, 30, storage.GameDino, testEpoch.Add(time.Second)); err != nil {
		t.Fatalf("ReceiveSinglePlayerScore() error = %v", err)
	}

	player := uint32(20)
	before := testEpoch.Add(25 * time.Second)
	got, err := engine.GameScore(ctx, storage.ScoreFilter{Player: &player, Before: before})
	if err != nil {
		t.Fatalf("GameScore() error = %v", err)
	}
	if got != 30 {
		t.Fatalf("GameScore() = %d, want 30", got)
	}

	// A record landing inside an already queried bucket stays invisible to
	// queries in that bucket.
	if err := engine.ReceiveSinglePlayerScore(ctx, 20, 1, 5, storage.GameDino, testEpoch.Add(21*time.Second)); err != nil {
		t.Fatalf("ReceiveSinglePlayerScore() error = %v", err)
	}
	got, err = engine.GameScore(ctx, storage.ScoreFilter{Player: &player, Before: testEpoch.Add(28*time.Second)})
	if err != nil {
		t.Fatalf("GameScore() error = %v", err)
	}
	if got != 30 {
		t.Errorf("GameScore() within cached bucket = %d, want 30", got)
	}

	got, err = engine.GameScore(ctx, storage.ScoreFilter{Player: &player, Before: testEpoch.Add(31*time.Second)})
	if err != nil {
		t.Fatalf("GameScore() error = %v", err)
	}
	if got != 35 {
		t.Errorf("GameScore() in next bucket = %d, want 35", got)
	}
}

func TestScoreboardOrdersByTotal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t, Config{SponsorIDs: []int64{1, 2, 3}})

	at := testEpoch.Add(time.Second)
	if err := engine.ReceiveSinglePlayerScore(ctx, 1, 2, 40, storage.GameDino, at); err != nil {
		t.Fatalf("ReceiveSinglePlayerScore() error = %v", err)
	}
	if err := engine.ReceiveSinglePlayerScore(ctx, 2, 2, 90, storage.GameTetris, at); err != nil {
		t.Fatalf("ReceiveSinglePlayerScore() error = %v", err)
	}
	if err := engine.ReceiveSinglePlayerScore(ctx, 3, 2, 40, storage.GameSnake, at); err != nil {
		t.Fatalf("ReceiveSinglePlayerScore() error = %v", err)
	}
	if _, _, err := engine.ConnectSponsor(ctx, 2, 2, 1, 1, at); err != nil {
		t.Fatalf("ConnectSponsor() error = %v", err)
	}

	entries, err := engine.Scoreboard(ctx, testEpoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("Scoreboard() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Scoreboard() returned %d entries, want 3", len(entries))
	}
	wantOrder := []uint32{2, 1, 3}
	for i, want := range wantOrder {
		if entries[i].Player != want {
			t.Fatalf("entry %d = player %d, want %d", i, entries[i].Player, want)
		}
	}
	if entries[0].Total != 140 {
		t.Errorf("leader total = %d, want 140", entries[0].Total)
	}
	if got := entries[0].Sponsors; len(got) != 1 || got[0] != 1 {
		t.Errorf("leader sponsors = %v, want [1]", got)
	}
	if got := entries[1].Scores[storage.GameSnake]; got != 0 {
		t.Errorf("missing game type sum = %d, want 0", got)
	}
}
