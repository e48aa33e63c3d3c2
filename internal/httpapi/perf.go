package httpapi

import (
	"net/http"
	"strings"
)

// handlePerfLatency reports the rolling per-stage latency window. An optional
// comma separated stage query parameter narrows the report.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	var stages []string
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		stages = strings.Split(raw, ",")
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency(stages...))
}
