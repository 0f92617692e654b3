package server

import (
	"net/http"
)

// handleMetrics implements GET /api/metrics — a JSON runtime snapshot of
// admission occupancy and LLM queue throughput. The Prometheus collectors
// in internal/metrics are not exposed by any HTTP route.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"queue": s.queue.Stats(),
	}
	if s.admission != nil {
		snapshot["admission"] = s.admission.Stats()
	}
	writeSuccess(w, snapshot)
}

// handleToolSystemStatus implements GET /api/tool-system/status —
// per-tool call counts and circuit breaker state.
func (s *Server) handleToolSystemStatus(w http.ResponseWriter, r *http.Request) {
	tools := s.registry.List()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		meta := t.Metadata()
		entry := map[string]any{
			"name":      meta.Name,
			"version":   meta.Version,
			"enabled":   meta.Enabled,
			"totalCalls": s.executor.TotalCalls(meta.Name),
		}
		if state, ok := s.executor.BreakerState(meta.Name); ok {
			entry["circuit"] = state.Status
		} else {
			entry["circuit"] = "closed"
		}
		out = append(out, entry)
	}
	writeSuccess(w, out)
}
