package api

import (
	"net/http"
	"time"

	"github.com/nugget/colloquy/internal/usage"
)

// handleUsage summarizes recorded token usage over the last ?days
// days (default 30).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	days := parseIntParam(r, "days", 30)
	if days == 0 {
		days = 30
	}
	end := time.Now()
	start := end.AddDate(0, 0, -days)
	ctx := r.Context()

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byStrategy, err := s.usage.SummaryByStrategy(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, struct {
		Start      time.Time                 `json:"start"`
		End        time.Time                 `json:"end"`
		Total      *usage.Summary            `json:"total"`
		ByModel    map[string]*usage.Summary `json:"by_model"`
		ByStrategy map[string]*usage.Summary `json:"by_strategy"`
	}{start.UTC(), end.UTC(), total, byModel, byStrategy}, s.logger)
}

func (s *Server) usageError(w http.ResponseWriter, err error) {
	s.logger.Error("usage summary failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "internal server error")
}
