package main

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mahaj/erp-messenger/pkg/auth"
	"github.com/mahaj/erp-messenger/pkg/model"
)

// handleOnlineUsers returns the IDs in the gateway's Redis presence set.
func (s *server) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.redis.SMembers(r.Context(), "messaging:online_users").Result()
	if err != nil {
		log.Printf("Failed to fetch online users: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch presence")
		return
	}
	if users == nil {
		users = []string{}
	}
	writeOK(w, users)
}

// handleUsers searches available users for the new-conversation picker.
// The directory is small enough to filter in memory.
func (s *server) handleUsers(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	term := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("search")))

	iter := s.db.Query(`SELECT user_id, name, email, department, avatar_url, last_seen FROM users`).Iter()

	users := []model.User{}
	var u model.User
	var lastSeen time.Time
	for iter.Scan(&u.ID, &u.Name, &u.Email, &u.Department, &u.AvatarURL, &lastSeen) {
		if u.ID == claims.UserID {
			continue
		}
		if term != "" &&
			!strings.Contains(strings.ToLower(u.Name), term) &&
			!strings.Contains(strings.ToLower(u.Email), term) {
			continue
		}
		u.LastSeen = lastSeen
		users = append(users, u)
	}
	if err := iter.Close(); err != nil {
		log.Printf("Failed to iterate users: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to search users")
		return
	}

	writeOK(w, users)
}
