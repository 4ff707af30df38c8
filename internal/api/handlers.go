package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-presence/internal/database"
	"github.com/npezzotti/gochat-presence/internal/types"
)

const maxNotifyBodySize = 64 << 10

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Printf("health check: %v", err)
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if err := s.cs.ServeClient(conn, userId); err != nil {
		s.log.Printf("serve client for user %d: %v", userId, err)
	}
}

func (s *GoChatApp) listPresence(w http.ResponseWriter, r *http.Request) {
	ids := s.cs.Registry().AllOnlineUserIds()
	if ids == nil {
		ids = []int{}
	}

	s.writeJson(w, http.StatusOK, types.OnlineUsers{UserIds: ids})
}

func pathUserId(r *http.Request) (int, bool) {
	userId, err := strconv.Atoi(r.PathValue("userId"))
	if err != nil || userId <= 0 {
		return 0, false
	}
	return userId, true
}

// getPresence combines the live connection count with the persisted
// last-seen time.
func (s *GoChatApp) getPresence(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathUserId(r)
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	count := s.cs.Registry().Count(userId)

	// a user connected before its first presence write has no row yet
	stored, err := s.db.GetPresence(r.Context(), userId)
	if err != nil && !(errors.Is(err, database.ErrAccountNotFound) && count > 0) {
		if errors.Is(err, database.ErrAccountNotFound) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.log.Printf("get presence for user %d: %v", userId, err)
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	presence := types.Presence{
		UserId:      userId,
		IsOnline:    count > 0,
		Connections: count,
	}
	if stored.LastSeenAt.Valid {
		lastSeen := stored.LastSeenAt.Time.UTC()
		presence.LastSeenAt = &lastSeen
	}

	s.writeJson(w, http.StatusOK, presence)
}

func (s *GoChatApp) notifyUser(w http.ResponseWriter, r *http.Request) {
	senderId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	userId, ok := pathUserId(r)
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	var req types.NotifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotifyBodySize)).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		s.writeError(w, NewBadRequestError())
		return
	}

	delivered := s.cs.Gateway().Notify(senderId, userId, req.Payload)
	s.writeJson(w, http.StatusAccepted, types.NotifyResult{Delivered: delivered})
}
