// Package server parses badge backend flags and launches the HTTP service.
package server

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ksw2000/hitcon-pcb-badge/internal/ecc"
	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/config"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/app"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/auth"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/dispatch"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/processor"
	badgestorage "github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage"
	badgesqlite "github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage/sqlite"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badgelink"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game"
	gamesqlite "github.com/ksw2000/hitcon-pcb-badge/internal/services/game/storage/sqlite"
)

// Config holds badge backend command configuration.
type Config struct {
	Port        int    `env:"BADGE_PORT" envDefault:"8080"`
	BadgeDBPath string `env:"BADGE_DB_PATH" envDefault:"badge.db"`
	GameDBPath  string `env:"BADGE_GAME_DB_PATH" envDefault:"game.db"`
	// ServerKey is the server's private scalar in hex. Empty generates an
	// ephemeral key, which invalidates previously issued key certificates
	// across restarts.
	ServerKey string `env:"BADGE_SERVER_KEY"`
	// Epoch anchors decay step boundaries, RFC 3339. Empty uses process
	// start, which makes historical replays restart-dependent.
	Epoch          string        `env:"BADGE_EPOCH"`
	SponsorIDs     []int64       `env:"BADGE_SPONSOR_IDS" envSeparator:"," envDefault:"1,2,3"`
	ReCTFKey       string        `env:"BADGE_RECTF_KEY"`
	StationKeys    []string      `env:"BADGE_STATION_KEYS" envSeparator:","`
	AssociationTTL time.Duration `env:"BADGE_ASSOCIATION_TTL" envDefault:"180s"`
	NonceTTL       time.Duration `env:"BADGE_NONCE_TTL" envDefault:"180s"`
	RendezvousTTL  time.Duration `env:"BADGE_RENDEZVOUS_TTL" envDefault:"10m"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The HTTP server port")
	fs.StringVar(&cfg.BadgeDBPath, "badge-db", cfg.BadgeDBPath, "Path to the packet-pipeline SQLite database")
	fs.StringVar(&cfg.GameDBPath, "game-db", cfg.GameDBPath, "Path to the game-logic SQLite database")
	if err := config.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) serverKey() (ecc.PrivateKey, error) {
	if c.ServerKey == "" {
		key, err := ecc.GenerateKey()
		if err != nil {
			return 0, fmt.Errorf("generate server key: %w", err)
		}
		log.Printf("no server key configured, generated an ephemeral one")
		return key, nil
	}
	raw, err := strconv.ParseUint(c.ServerKey, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server key: %w", err)
	}
	if raw == 0 || raw >= ecc.Order {
		return 0, fmt.Errorf("server key out of range")
	}
	return ecc.PrivateKey(raw), nil
}

func (c Config) epoch() (time.Time, error) {
	if c.Epoch == "" {
		return time.Time{}, nil
	}
	epoch, err := time.Parse(time.RFC3339, c.Epoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse epoch: %w", err)
	}
	return epoch, nil
}

// Run wires the stores and services and serves HTTP until the context is
// canceled.
func Run(ctx context.Context, cfg Config) error {
	serverKey, err := cfg.serverKey()
	if err != nil {
		return err
	}
	epoch, err := cfg.epoch()
	if err != nil {
		return err
	}

	badgeStore, err := badgesqlite.Open(cfg.BadgeDBPath)
	if err != nil {
		return fmt.Errorf("open badge store: %w", err)
	}
	defer badgeStore.Close()

	gameStore, err := gamesqlite.Open(cfg.GameDBPath)
	if err != nil {
		return fmt.Errorf("open game store: %w", err)
	}
	defer gameStore.Close()

	if err := seedStations(ctx, badgeStore, cfg.StationKeys); err != nil {
		return err
	}

	gameCfg := game.DefaultConfig()
	gameCfg.SponsorIDs = cfg.SponsorIDs
	engine := game.NewEngine(gameStore, gameCfg, epoch)

	authority := auth.NewAuthority(badgeStore, serverKey, cfg.SponsorIDs)
	proc := processor.New(badgeStore, authority, cfg.AssociationTTL)
	dispatcher := dispatch.New(engine, authority, badgeStore, proc, cfg.NonceTTL, cfg.RendezvousTTL)
	proc.SetDispatcher(dispatcher)

	links := badgelink.New(badgeStore, badgeStore, engine)
	handler := app.New(proc, engine, links, badgeStore, cfg.ReCTFKey)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// seedStations registers any configured station keys that are not yet in
// the store.
func seedStations(ctx context.Context, store badgestorage.StationStore, keys []string) error {
	for i, key := range keys {
		if key == "" {
			continue
		}
		name := fmt.Sprintf("station-%d", i+1)
		_, err := store.InsertStation(ctx, name, key)
		if err == badgestorage.ErrAlreadyExists {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed station %s: %w", name, err)
		}
	}
	return nil
}
