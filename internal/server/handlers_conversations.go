package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/gateway/internal/storage"
)

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// listConversations implements GET /api/conversations?userId&limit&skip.
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := intQuery(r, "limit", 20)
	skip := intQuery(r, "skip", 0)

	page, err := s.conversations.FindByUserID(r.Context(), userID, limit, skip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeSuccess(w, map[string]any{"items": page.Items, "total": page.Total})
}

// getConversation implements GET /api/conversations/:id — detail with
// messages.
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("userId")

	conv, err := s.conversations.FindByID(r.Context(), id, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	page, err := s.messages.FindByConversationID(r.Context(), id, userID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	if s.lru != nil {
		_ = s.lru.Touch(r.Context(), conv)
	}

	writeSuccess(w, map[string]any{"conversation": conv, "messages": page.Items})
}

type updateConversationBody struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
}

// updateConversation implements PUT /api/conversations/:id — update title.
func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body updateConversationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := s.conversations.FindByID(r.Context(), id, body.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	conv.Title = body.Title
	conv.UpdatedAt = time.Now()
	if err := s.conversations.Update(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update conversation")
		return
	}
	writeSuccess(w, conv)
}

// deleteConversation implements DELETE /api/conversations/:id — soft
// delete.
func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("userId")
	if err := s.conversations.Delete(r.Context(), id, userID); err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	writeSuccess(w, nil)
}

type conversationActionBody struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// archiveConversation implements POST /api/conversations/archive.
func (s *Server) archiveConversation(w http.ResponseWriter, r *http.Request) {
	var body conversationActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := s.conversations.FindByID(r.Context(), body.ConversationID, body.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if s.lru == nil {
		writeError(w, http.StatusInternalServerError, "archival scheduler unavailable")
		return
	}
	if err := s.lru.Archive(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to archive conversation")
		return
	}
	writeSuccess(w, conv)
}

// unarchiveConversation implements POST /api/conversations/unarchive.
func (s *Server) unarchiveConversation(w http.ResponseWriter, r *http.Request) {
	s.restoreArchivedConversation(w, r)
}

// listArchivedConversations implements GET /api/conversations/archived.
func (s *Server) listArchivedConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := intQuery(r, "limit", 50)
	skip := intQuery(r, "skip", 0)

	page, err := s.conversations.FindArchivedByUserID(r.Context(), userID, limit, skip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list archived conversations")
		return
	}
	writeSuccess(w, map[string]any{"items": page.Items, "total": page.Total})
}

// restoreArchivedConversation implements POST
// /api/conversations/archived/restore.
func (s *Server) restoreArchivedConversation(w http.ResponseWriter, r *http.Request) {
	var body conversationActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := s.conversations.FindByID(r.Context(), body.ConversationID, body.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if s.lru == nil {
		writeError(w, http.StatusInternalServerError, "archival scheduler unavailable")
		return
	}
	if err := s.lru.RestoreArchived(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to restore conversation")
		return
	}
	writeSuccess(w, conv)
}
