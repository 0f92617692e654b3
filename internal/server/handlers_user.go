package server

import (
	"encoding/json"
	"net/http"
)

type userRequestBody struct {
	UserID string `json:"userId"`
}

// handleGetUser implements GET|POST /api/user: get-or-create by subject id.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if r.Method == http.MethodPost {
		var body userRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.UserID != "" {
			userID = body.UserID
		}
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	u, err := s.users.GetOrCreate(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeSuccess(w, u)
}

// handleUserOptions answers the explicit CORS preflight named in the
// external interface alongside GET/POST.
func (s *Server) handleUserOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
