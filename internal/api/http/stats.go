package http

import (
	"net/http"

	"github.com/chronotable/chronotable/internal/engine"
)

// TableStatsResponse is one hypertable's usage counters.
type TableStatsResponse struct {
	Hypertable string `json:"hypertable"`
	Writes     int64  `json:"writes"`
	Queries    int64  `json:"queries"`
	RowsRead   int64  `json:"rows_read"`
	LastSeen   int64  `json:"last_seen,omitempty"`
}

// StatsHandler handles GET /v1/stats.
type StatsHandler struct {
	engine *engine.Engine
}

// NewStatsHandler creates the stats handler.
func NewStatsHandler(eng *engine.Engine) *StatsHandler {
	return &StatsHandler{engine: eng}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	stats := h.engine.Usage()
	out := make([]TableStatsResponse, len(stats))
	for i, s := range stats {
		resp := TableStatsResponse{
			Hypertable: s.Hypertable,
			Writes:     s.Writes,
			Queries:    s.Queries,
			RowsRead:   s.RowsRead,
		}
		if !s.LastSeen.IsZero() {
			resp.LastSeen = s.LastSeen.UnixNano()
		}
		out[i] = resp
	}
	writeJSON(w, http.StatusOK, out)
}
