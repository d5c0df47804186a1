package http

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/chronotable/chronotable/internal/cagg"
	"github.com/chronotable/chronotable/internal/engine"
	"github.com/chronotable/chronotable/pkg/types"
)

// CreateAggregateRequest is the body of POST /v1/aggregates.
type CreateAggregateRequest struct {
	Name             string `json:"name"`
	Hypertable       string `json:"hypertable"`
	BucketWidth      string `json:"bucket_width"`
	Reducer          string `json:"reducer"`
	RefreshInterval  string `json:"refresh_interval"`
	MaterializedOnly bool   `json:"materialized_only,omitempty"`
}

// AggregateResponse describes one continuous aggregate.
type AggregateResponse struct {
	Name             string `json:"name"`
	Hypertable       string `json:"hypertable"`
	BucketWidth      string `json:"bucket_width"`
	Reducer          string `json:"reducer"`
	RefreshInterval  string `json:"refresh_interval"`
	MaterializedOnly bool   `json:"materialized_only"`
	Watermark        int64  `json:"watermark"`
}

// BucketResponse is one aggregated bucket in a read response.
type BucketResponse struct {
	BucketStart int64    `json:"bucket_start"`
	SeriesKey   string   `json:"series_key"`
	Value       *float64 `json:"value"` // null for gap-filled buckets with no value
	RowCount    int64    `json:"row_count"`
}

// AggregatesHandler serves /v1/aggregates and its subpaths.
type AggregatesHandler struct {
	engine *engine.Engine
}

// NewAggregatesHandler creates the aggregates handler.
func NewAggregatesHandler(eng *engine.Engine) *AggregatesHandler {
	return &AggregatesHandler{engine: eng}
}

// ServeHTTP routes aggregate requests:
//
//	POST   /v1/aggregates
//	GET    /v1/aggregates
//	DELETE /v1/aggregates/{name}
//	POST   /v1/aggregates/{name}/refresh
//	GET    /v1/aggregates/{name}/read
func (h *AggregatesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/aggregates"), "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.create(w, r)
	case rest == "" && r.Method == http.MethodGet:
		h.list(w, r)
	case strings.HasSuffix(rest, "/refresh") && r.Method == http.MethodPost:
		h.refresh(w, r, strings.TrimSuffix(rest, "/refresh"))
	case strings.HasSuffix(rest, "/read") && r.Method == http.MethodGet:
		h.read(w, r, strings.TrimSuffix(rest, "/read"))
	case rest != "" && r.Method == http.MethodDelete:
		h.drop(w, r, rest)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	}
}

func (h *AggregatesHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateAggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	bucketWidth, err := time.ParseDuration(req.BucketWidth)
	if err != nil {
		writeBadRequest(w, r, "invalid bucket_width: "+err.Error())
		return
	}
	refreshInterval, err := time.ParseDuration(req.RefreshInterval)
	if err != nil {
		writeBadRequest(w, r, "invalid refresh_interval: "+err.Error())
		return
	}

	cfg := types.AggregateConfig{
		Name:             req.Name,
		Hypertable:       req.Hypertable,
		BucketWidth:      bucketWidth,
		Reducer:          types.ReducerKind(req.Reducer),
		RefreshInterval:  refreshInterval,
		MaterializedOnly: req.MaterializedOnly,
	}
	if err := h.engine.CreateContinuousAggregate(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"created": cfg.Name})
}

func (h *AggregatesHandler) list(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.ListAggregates(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]AggregateResponse, len(recs))
	for i, rec := range recs {
		out[i] = AggregateResponse{
			Name:             rec.Config.Name,
			Hypertable:       rec.Config.Hypertable,
			BucketWidth:      rec.Config.BucketWidth.String(),
			Reducer:          string(rec.Config.Reducer),
			RefreshInterval:  rec.Config.RefreshInterval.String(),
			MaterializedOnly: rec.Config.MaterializedOnly,
			Watermark:        rec.Watermark,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AggregatesHandler) refresh(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.engine.RefreshContinuousAggregate(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refreshed": name})
}

func (h *AggregatesHandler) read(w http.ResponseWriter, r *http.Request, name string) {
	rng, ok := parseTimeRange(w, r)
	if !ok {
		return
	}

	buckets, err := h.engine.ReadAggregate(r.Context(), name, rng)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// fill expands the result into a dense bucket grid.
	if fill := r.URL.Query().Get("fill"); fill != "" {
		mode, ok := fillMode(fill)
		if !ok {
			writeBadRequest(w, r, "invalid fill: must be null, locf, or linear")
			return
		}
		rec, err := h.engine.ListAggregates(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		var width time.Duration
		for _, a := range rec {
			if a.Config.Name == name {
				width = a.Config.BucketWidth
			}
		}
		buckets = cagg.GapFill(buckets, rng, width, mode)
	}

	out := make([]BucketResponse, len(buckets))
	for i, b := range buckets {
		resp := BucketResponse{
			BucketStart: b.BucketStart,
			SeriesKey:   b.SeriesKey,
			RowCount:    b.RowCount,
		}
		if !math.IsNaN(b.Value) {
			v := b.Value
			resp.Value = &v
		}
		out[i] = resp
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AggregatesHandler) drop(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.engine.DropContinuousAggregate(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dropped": name})
}

func fillMode(s string) (cagg.FillMode, bool) {
	switch s {
	case "null":
		return cagg.FillNull, true
	case "locf":
		return cagg.FillLOCF, true
	case "linear":
		return cagg.FillLinear, true
	default:
		return cagg.FillNull, false
	}
}
