package server

import "net/http"

// triggerLRUSweep implements POST /api/admin/lru-status/trigger — forces
// one round of auto-archive, excess-archived cleanup, and expired-archive
// deletion outside the scheduler's normal ticker cadence.
func (s *Server) triggerLRUSweep(w http.ResponseWriter, r *http.Request) {
	if s.lru == nil {
		writeError(w, http.StatusInternalServerError, "archival scheduler unavailable")
		return
	}

	archived, err := s.lru.AutoArchiveInactive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "auto-archive sweep failed")
		return
	}
	cleaned, err := s.lru.CleanupExcessArchived(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "excess-archived cleanup failed")
		return
	}
	deleted, err := s.lru.DeleteExpiredArchived(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "expired-archive deletion failed")
		return
	}

	writeSuccess(w, map[string]int{
		"autoArchived":    archived,
		"excessCleaned":   cleaned,
		"expiredDeleted":  deleted,
	})
}
