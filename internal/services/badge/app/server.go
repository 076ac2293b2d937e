// Package app exposes the station and public HTTP API over the packet
// processor, game engine, and badge-link service.
package app

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/errors"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/processor"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badgelink"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game"
)

// Server routes HTTP requests to the badge backend services.
type Server struct {
	processor *processor.Processor
	engine    *game.Engine
	links     *badgelink.Service
	stations  storage.StationStore
	rectfKey  string
	router    *mux.Router
	clock     func() time.Time
}

// New builds the HTTP server. rectfKey is the bearer credential the ReCTF
// scoreboard uses to push solves.
func New(proc *processor.Processor, engine *game.Engine, links *badgelink.Service, stations storage.StationStore, rectfKey string) *Server {
	s := &Server{
		processor: proc,
		engine:    engine,
		links:     links,
		stations:  stations,
		rectfKey:  rectfKey,
		clock:     time.Now,
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/scores", s.handleScoreboard).Methods(http.MethodGet)
	r.HandleFunc("/v1/rx", s.withStation(s.handleRx)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tx", s.withStation(s.handleTx)).Methods(http.MethodGet)
	r.HandleFunc("/v1/station-score", s.withStation(s.handleStationScore)).Methods(http.MethodGet)
	r.HandleFunc("/rectf/score", s.handleReCTFScore).Methods(http.MethodPost)
	r.HandleFunc("/hitcon/link", s.handleLink).Methods(http.MethodPost)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// irPacketSchema is the frame envelope exchanged with base stations.
type irPacketSchema struct {
	StationID int64  `json:"station_id"`
	PacketID  string `json:"packet_id,omitempty"`
	Data      []int  `json:"data"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// scoreEntrySchema is one scoreboard row in the public API.
type scoreEntrySchema struct {
	Name              string           `json:"name"`
	PlayerID          uint32           `json:"player_id"`
	Scores            map[string]int64 `json:"scores"`
	TotalScore        int64            `json:"total_score"`
	ConnectedSponsors []int64          `json:"connected_sponsors"`
}

type rectfScoreSchema struct {
	UID    string `json:"uid"`
	Solves struct {
		A int64 `json:"a"`
		B int64 `json:"b"`
	} `json:"solves"`
}

type badgeLinkSchema struct {
	BadgeUser uint32 `json:"badge_user"`
	Name      string `json:"name,omitempty"`
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// withStation resolves the bearer credential to a station record before
// invoking the handler.
func (s *Server) withStation(next func(http.ResponseWriter, *http.Request, storage.Station)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			writeError(w, errors.New(errors.CodeUnauthenticated, "missing station key"))
			return
		}
		station, err := s.stations.StationByKey(r.Context(), key)
		if err == storage.ErrNotFound {
			writeError(w, errors.New(errors.CodePermissionDenied, "invalid station key"))
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, station)
	}
}

func (s *Server) handleRx(w http.ResponseWriter, r *http.Request, station storage.Station) {
	var schema irPacketSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeError(w, errors.New(errors.CodeInvalidArgument, "malformed packet body"))
		return
	}
	data := make([]byte, len(schema.Data))
	for i, v := range schema.Data {
		if v < 0 || v > 0xFF {
			writeError(w, errors.New(errors.CodeInvalidArgument, "frame bytes must be in [0, 255]"))
			return
		}
		data[i] = byte(v)
	}
	if err := s.processor.Receive(r.Context(), data, station.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request, station storage.Station) {
	packets, err := s.processor.PollTx(r.Context(), station.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]irPacketSchema, 0, len(packets))
	for _, p := range packets {
		data := make([]int, len(p.Data))
		for i, b := range p.Data {
			data[i] = int(b)
		}
		out = append(out, irPacketSchema{
			StationID: station.ID,
			PacketID:  p.ID.String(),
			Data:      data,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStationScore(w http.ResponseWriter, r *http.Request, station storage.Station) {
	score, err := s.engine.StationScore(r.Context(), station.ID, s.clock())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"score": score})
}

func (s *Server) handleScoreboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Scoreboard(r.Context(), s.clock())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]scoreEntrySchema, 0, len(entries))
	for _, e := range entries {
		scores := make(map[string]int64, len(e.Scores))
		for gameType, total := range e.Scores {
			scores[string(gameType)] = total
		}
		sponsors := e.Sponsors
		if sponsors == nil {
			sponsors = []int64{}
		}
		out = append(out, scoreEntrySchema{
			PlayerID:          e.Player,
			Scores:            scores,
			TotalScore:        e.Total,
			ConnectedSponsors: sponsors,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReCTFScore(w http.ResponseWriter, r *http.Request) {
	if s.rectfKey == "" || bearerToken(r) != s.rectfKey {
		writeError(w, errors.New(errors.CodePermissionDenied, "invalid key"))
		return
	}
	var schema rectfScoreSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeError(w, errors.New(errors.CodeInvalidArgument, "malformed score body"))
		return
	}
	if err := s.links.ApplySolves(r.Context(), schema.UID, schema.Solves.A, schema.Solves.B); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleLink binds the attendee identified by the bearer token to a badge
// user. The bearer token doubles as the attendee uid.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	uid := bearerToken(r)
	if uid == "" {
		writeError(w, errors.New(errors.CodeUnauthenticated, "missing attendee token"))
		return
	}
	var schema badgeLinkSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeError(w, errors.New(errors.CodeInvalidArgument, "malformed link body"))
		return
	}
	if err := s.links.Link(r.Context(), uid, schema.BadgeUser); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := code.HTTPStatus()
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"detail": message})
}
