// Package api serves the read-only presence endpoints used by the web UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/protocol"
	"github.com/web3messenger/realtime/internal/realtime"
	"github.com/web3messenger/realtime/internal/sink"
)

// Presence answers live presence queries. *realtime.Coordinator satisfies it.
type Presence interface {
	OnlineUsers(ctx context.Context) ([]string, error)
	IsOnline(ctx context.Context, identity string) (bool, error)
	Stats(ctx context.Context) (realtime.Stats, error)
}

// LastSeen looks up stored presence. *sink.StatusStore satisfies it.
type LastSeen interface {
	Get(ctx context.Context, userID string) (*sink.PresenceRecord, error)
}

type Handler struct {
	presence Presence
	lastSeen LastSeen // optional
}

func NewHandler(p Presence, ls LastSeen) *Handler {
	return &Handler{presence: p, lastSeen: ls}
}

// Mount registers the /api routes on r behind CORS for origins.
func (h *Handler) Mount(r chi.Router, origins []string) {
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
		r.Get("/online", h.Online)
		r.Get("/stats", h.Stats)
		r.Get("/presence/{userId}", h.UserPresence)
	})
}

type OnlineResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type PresenceResponse struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /api/online
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	users, err := h.presence.OnlineUsers(r.Context())
	if err != nil {
		zap.L().Error("api_online_failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "presence unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, OnlineResponse{Count: len(users), Users: users})
}

// GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.presence.Stats(r.Context())
	if err != nil {
		zap.L().Error("api_stats_failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "presence unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /api/presence/{userId}
//
// Live presence wins; the stored record only contributes the last known
// status and last seen time of offline identities.
func (h *Handler) UserPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	online, err := h.presence.IsOnline(r.Context(), userID)
	if err != nil {
		zap.L().Error("api_presence_failed", zap.String("user", userID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "presence unavailable"})
		return
	}

	resp := PresenceResponse{UserID: userID, Online: online, Status: protocol.StatusOffline}
	if online {
		resp.Status = protocol.StatusOnline
	}

	if h.lastSeen != nil {
		rec, err := h.lastSeen.Get(r.Context(), userID)
		switch {
		case err == nil:
			ts := time.Unix(rec.LastSeen, 0).UTC()
			resp.LastSeen = &ts
			if online && rec.Status != protocol.StatusOffline {
				resp.Status = rec.Status
			}
		case errors.Is(err, redis.Nil):
		default:
			zap.L().Warn("api_last_seen_failed", zap.String("user", userID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
