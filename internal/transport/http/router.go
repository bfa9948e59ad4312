package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// ResultLookup returns the last recorded result of a room.
type ResultLookup func(ctx context.Context, roomID string) (domain.GameResult, error)

// OwnerLookup returns the instance advertising a room, or "" if none does.
type OwnerLookup func(ctx context.Context, roomID string) (string, error)

// LeaderboardLookup returns the top n players across games.
type LeaderboardLookup func(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)

type RouterConfig struct {
	Service        *app.QuizService
	Gateway        *Gateway
	WS             *WSHandler
	AdminToken     string
	AllowedOrigins []string
	Results        ResultLookup
	Leaderboard    LeaderboardLookup
	// Owners and Instance let GET /rooms/{id} point at the instance hosting
	// a room this process does not have.
	Owners   OwnerLookup
	Instance string
}

type roomSummary struct {
	RoomID      string       `json:"roomId"`
	Phase       domain.Phase `json:"phase"`
	Players     int          `json:"players"`
	Connections int          `json:"connections"`
}

type remoteRoom struct {
	RoomID  string `json:"roomId"`
	Owner   string `json:"owner"`
	Message string `json:"message"`
}

type api struct {
	cfg RouterConfig
}

// NewRouter builds the service's HTTP surface: the websocket endpoint, room
// inspection, operator controls and health.
func NewRouter(cfg RouterConfig) http.Handler {
	a := &api{cfg: cfg}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /ws", cfg.WS.ServeWS)
	mux.HandleFunc("GET /rooms", a.listRooms)
	mux.HandleFunc("GET /rooms/{id}", a.getRoom)
	mux.HandleFunc("GET /rooms/{id}/result", a.getResult)
	mux.HandleFunc("GET /leaderboard", a.getLeaderboard)
	mux.HandleFunc("POST /rooms/{id}/start", a.admin(a.startRoom))
	mux.HandleFunc("POST /rooms/{id}/advance", a.admin(a.advanceRoom))
	mux.HandleFunc("DELETE /rooms/{id}", a.admin(a.closeRoom))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
	})
	return c.Handler(mux)
}

// OriginChecker mirrors the CORS origin list for websocket upgrades.
func OriginChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

func (a *api) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.cfg.Service.Rooms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	connections := a.cfg.Gateway.Connections()
	out := make([]roomSummary, 0, len(rooms))
	for _, snap := range rooms {
		out = append(out, roomSummary{
			RoomID:      snap.RoomID,
			Phase:       snap.Phase,
			Players:     len(snap.Roster),
			Connections: connections[snap.RoomID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	snap, err := a.cfg.Service.Snapshot(r.Context(), roomID, "")
	if errors.Is(err, domain.ErrRoomNotFound) && a.cfg.Owners != nil {
		owner, lookupErr := a.cfg.Owners(r.Context(), roomID)
		if lookupErr != nil {
			log.Warn().Err(lookupErr).Str("room_id", roomID).Msg("failed to look up room owner")
		} else if owner != "" && owner != a.cfg.Instance {
			writeJSON(w, http.StatusMisdirectedRequest, remoteRoom{
				RoomID:  roomID,
				Owner:   owner,
				Message: "room is hosted by another instance",
			})
			return
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) getResult(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Results == nil {
		writeError(w, domain.ErrRoomNotFound)
		return
	}
	result, err := a.cfg.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Leaderboard == nil {
		writeJSON(w, http.StatusOK, map[string]any{"players": []domain.LeaderboardEntry{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	players, err := a.cfg.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": players})
}

func (a *api) startRoom(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Service.StartGame(r.Context(), r.PathValue("id"), ""); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) advanceRoom(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Service.Advance(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) closeRoom(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Service.CloseRoom(r.Context(), r.PathValue("id"), "closed by operator"); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// admin guards operator routes with the X-Admin-Token header. Without a
// configured token the routes are disabled.
func (a *api) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != a.cfg.AdminToken {
			writeJSON(w, http.StatusForbidden, domain.MessagePayload{Message: "admin token required"})
			return
		}
		next(w, r)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRoomClosed):
		status = http.StatusGone
	case errors.Is(err, domain.ErrGameAlreadyStarted), errors.Is(err, domain.ErrNotAcceptingAnswers):
		status = http.StatusConflict
	default:
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, domain.MessagePayload{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
