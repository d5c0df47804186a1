package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/chronotable/chronotable/internal/engine"
	"github.com/chronotable/chronotable/pkg/types"
)

// WriteRequest is the body of POST /v1/write.
type WriteRequest struct {
	Hypertable string     `json:"hypertable"`
	Rows       []WriteRow `json:"rows"`

	// Decompress opts in to writing into compressed chunk ranges, which
	// decompresses the target chunk first.
	Decompress bool `json:"decompress,omitempty"`
}

// WriteRow is one sample in a write request.
type WriteRow struct {
	Time      int64   `json:"time"`
	SeriesKey string  `json:"series_key"`
	Value     float64 `json:"value"`
}

// WriteResponse reports how many rows were written.
type WriteResponse struct {
	RowCount  int    `json:"row_count"`
	RequestID string `json:"request_id"`
}

// WriteHandler handles POST /v1/write.
type WriteHandler struct {
	engine *engine.Engine
}

// NewWriteHandler creates the write handler.
func NewWriteHandler(eng *engine.Engine) *WriteHandler {
	return &WriteHandler{engine: eng}
}

func (h *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.Hypertable == "" {
		writeBadRequest(w, r, "hypertable is required")
		return
	}
	if len(req.Rows) == 0 {
		writeBadRequest(w, r, "rows must not be empty")
		return
	}

	write := h.engine.Write
	if req.Decompress {
		write = h.engine.WriteToCompressed
	}
	for _, row := range req.Rows {
		if row.SeriesKey == "" {
			writeBadRequest(w, r, "series_key is required on every row")
			return
		}
		if _, err := write(r.Context(), req.Hypertable, row.Time, row.SeriesKey, row.Value); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, WriteResponse{
		RowCount:  len(req.Rows),
		RequestID: GetRequestID(r.Context()),
	})
}

// QueryResponse is the body of a successful GET /v1/query.
type QueryResponse struct {
	Rows      []QueryRow `json:"rows"`
	RequestID string     `json:"request_id"`
}

// QueryRow is one sample in a query response.
type QueryRow struct {
	Time      int64   `json:"time"`
	SeriesKey string  `json:"series_key"`
	Value     float64 `json:"value"`
}

// QueryHandler handles GET /v1/query.
type QueryHandler struct {
	engine *engine.Engine
}

// NewQueryHandler creates the query handler.
func NewQueryHandler(eng *engine.Engine) *QueryHandler {
	return &QueryHandler{engine: eng}
}

func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	q := r.URL.Query()
	hypertable := q.Get("hypertable")
	if hypertable == "" {
		writeBadRequest(w, r, "hypertable is required")
		return
	}
	rng, ok := parseTimeRange(w, r)
	if !ok {
		return
	}

	rows, err := h.engine.Query(r.Context(), hypertable, rng, q.Get("series_key"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]QueryRow, len(rows))
	for i, row := range rows {
		out[i] = QueryRow{Time: row.Time, SeriesKey: row.SeriesKey, Value: row.Value}
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Rows:      out,
		RequestID: GetRequestID(r.Context()),
	})
}

// parseTimeRange reads the start and end query parameters (UnixNano).
func parseTimeRange(w http.ResponseWriter, r *http.Request) (types.TimeRange, bool) {
	var rng types.TimeRange
	q := r.URL.Query()
	if err := parseInt64(q.Get("start"), &rng.Start); err != nil {
		writeBadRequest(w, r, "invalid start: "+err.Error())
		return rng, false
	}
	if err := parseInt64(q.Get("end"), &rng.End); err != nil {
		writeBadRequest(w, r, "invalid end: "+err.Error())
		return rng, false
	}
	return rng, true
}

// parseInt64 parses a required decimal query parameter.
func parseInt64(s string, dst *int64) error {
	if s == "" {
		return fmt.Errorf("parameter is required")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
