package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/engine"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/ports"
	"github.com/termgate/termgate/internal/registry"
)

// Sessions is set from main.go during init.
var Sessions *registry.Registry

// MaxSessionsPerUser is set from main.go during init.
var MaxSessionsPerUser int

func Index(w http.ResponseWriter, r *http.Request) {
	renderPage(w, http.StatusOK, "index.html", struct {
		Username string
	}{Username: middleware.Username(r)})
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	username := middleware.Username(r)

	// Containers that died since the last reap cycle must not count
	// against the quota.
	Sessions.PruneUser(r.Context(), username)

	info, err := Sessions.Create(r.Context(), username)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("Maximum %d sessions reached. Delete a session first.", MaxSessionsPerUser))
		return
	case errors.Is(err, ports.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, "No session ports available. Try again later.")
		return
	case errors.Is(err, engine.ErrUnreachable):
		writeError(w, http.StatusServiceUnavailable, "Container engine unreachable")
		return
	case errors.Is(err, engine.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "Terminal did not become ready in time")
		return
	case errors.Is(err, engine.ErrStartFailed):
		writeError(w, http.StatusServiceUnavailable, "Failed to start terminal container")
		return
	default:
		log.Printf("Create session for %s failed: %v", username, err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": info.ID,
		"redirect":   "/terminal/" + info.ID,
	})
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	username := middleware.Username(r)

	switch err := Sessions.Delete(r.Context(), id, username); {
	case err == nil:
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, registry.ErrNotOwner):
		writeError(w, http.StatusForbidden, "Access denied")
		return
	default:
		log.Printf("Delete session %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func SessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":    info.ID,
		"state":         string(info.State),
		"created_at":    info.CreatedAt.UTC().Format(time.RFC3339),
		"last_accessed": info.LastAccessed.UTC().Format(time.RFC3339),
	})
}

type batchStatusEntry struct {
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

// BatchSessionStatus reports the state of many sessions at once for the
// dashboard. Ids the caller does not own read as gone, exactly like ids
// that never existed.
func BatchSessionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionIDs []string `json:"session_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	username := middleware.Username(r)
	out := make(map[string]batchStatusEntry, len(body.SessionIDs))
	for _, id := range body.SessionIDs {
		info, ok := Sessions.Get(id)
		if !ok || info.Username != username || info.PendingDelete {
			out[id] = batchStatusEntry{Status: "gone"}
			continue
		}
		out[id] = batchStatusEntry{
			Status:    string(info.State),
			CreatedAt: info.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

type mySessionEntry struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func MySessions(w http.ResponseWriter, r *http.Request) {
	username := middleware.Username(r)
	infos := Sessions.SessionsFor(username)

	result := make([]mySessionEntry, 0, len(infos))
	for _, info := range infos {
		result = append(result, mySessionEntry{
			ID:        info.ID,
			Label:     shortLabel(info.ID),
			Status:    string(info.State),
			CreatedAt: info.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	// Running first, newest first within each group.
	sort.SliceStable(result, func(i, j int) bool {
		ri, rj := result[i].Status == "running", result[j].Status == "running"
		if ri != rj {
			return ri
		}
		return result[i].CreatedAt > result[j].CreatedAt
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":     result,
		"max_sessions": MaxSessionsPerUser,
	})
}

type adminSessionEntry struct {
	Username     string `json:"username"`
	State        string `json:"state"`
	RefCount     int    `json:"ref_count"`
	CreatedAt    string `json:"created_at"`
	LastAccessed string `json:"last_accessed"`
}

// AdminSessions is the operator overview. Session ids are omitted so the
// listing cannot be used to connect to other users' terminals.
func AdminSessions(w http.ResponseWriter, r *http.Request) {
	infos := Sessions.List()

	result := make([]adminSessionEntry, 0, len(infos))
	for _, info := range infos {
		result = append(result, adminSessionEntry{
			Username:     info.Username,
			State:        string(info.State),
			RefCount:     info.RefCount,
			CreatedAt:    info.CreatedAt.UTC().Format(time.RFC3339),
			LastAccessed: info.LastAccessed.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    len(result),
		"sessions": result,
	})
}

func shortLabel(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
