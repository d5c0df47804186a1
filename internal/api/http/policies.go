package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chronotable/chronotable/internal/engine"
	"github.com/chronotable/chronotable/pkg/types"
)

// CompressionPolicyRequest is the body of POST /v1/policies/compression.
type CompressionPolicyRequest struct {
	Hypertable    string `json:"hypertable"`
	CompressAfter string `json:"compress_after"`
	Interval      string `json:"interval"`
}

// RetentionPolicyRequest is the body of POST /v1/policies/retention.
type RetentionPolicyRequest struct {
	Hypertable          string `json:"hypertable"`
	DropAfter           string `json:"drop_after"`
	Interval            string `json:"interval"`
	CascadeToAggregates bool   `json:"cascade_to_aggregates,omitempty"`
}

// PolicyResponse describes one stored policy.
type PolicyResponse struct {
	Hypertable string `json:"hypertable"`
	Kind       string `json:"kind"`
	Name       string `json:"name,omitempty"`
	Interval   string `json:"interval"`
	LastRun    int64  `json:"last_run,omitempty"`
}

// PoliciesHandler serves /v1/policies and its subpaths.
type PoliciesHandler struct {
	engine *engine.Engine
}

// NewPoliciesHandler creates the policies handler.
func NewPoliciesHandler(eng *engine.Engine) *PoliciesHandler {
	return &PoliciesHandler{engine: eng}
}

// ServeHTTP routes policy requests:
//
//	GET    /v1/policies
//	POST   /v1/policies/compression
//	DELETE /v1/policies/compression/{hypertable}
//	POST   /v1/policies/retention
//	DELETE /v1/policies/retention/{hypertable}
func (h *PoliciesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/policies"), "/")

	switch {
	case rest == "" && r.Method == http.MethodGet:
		h.list(w, r)
	case rest == "compression" && r.Method == http.MethodPost:
		h.addCompression(w, r)
	case strings.HasPrefix(rest, "compression/") && r.Method == http.MethodDelete:
		h.removeCompression(w, r, strings.TrimPrefix(rest, "compression/"))
	case rest == "retention" && r.Method == http.MethodPost:
		h.addRetention(w, r)
	case strings.HasPrefix(rest, "retention/") && r.Method == http.MethodDelete:
		h.removeRetention(w, r, strings.TrimPrefix(rest, "retention/"))
	default:
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	}
}

func (h *PoliciesHandler) list(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.ListPolicies(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]PolicyResponse, len(recs))
	for i, rec := range recs {
		resp := PolicyResponse{
			Hypertable: rec.Hypertable,
			Kind:       string(rec.Kind),
			Name:       rec.Name,
			Interval:   rec.Interval.String(),
		}
		if !rec.LastRun.IsZero() {
			resp.LastRun = rec.LastRun.UnixNano()
		}
		out[i] = resp
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PoliciesHandler) addCompression(w http.ResponseWriter, r *http.Request) {
	var req CompressionPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	compressAfter, err := time.ParseDuration(req.CompressAfter)
	if err != nil {
		writeBadRequest(w, r, "invalid compress_after: "+err.Error())
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeBadRequest(w, r, "invalid interval: "+err.Error())
		return
	}

	policy := types.CompressionPolicy{
		Hypertable:    req.Hypertable,
		CompressAfter: compressAfter,
		Interval:      interval,
	}
	if err := h.engine.AddCompressionPolicy(r.Context(), policy); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"hypertable": req.Hypertable, "kind": "compression"})
}

func (h *PoliciesHandler) removeCompression(w http.ResponseWriter, r *http.Request, hypertable string) {
	if err := h.engine.RemoveCompressionPolicy(r.Context(), hypertable); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": hypertable})
}

func (h *PoliciesHandler) addRetention(w http.ResponseWriter, r *http.Request) {
	var req RetentionPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	dropAfter, err := time.ParseDuration(req.DropAfter)
	if err != nil {
		writeBadRequest(w, r, "invalid drop_after: "+err.Error())
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeBadRequest(w, r, "invalid interval: "+err.Error())
		return
	}

	policy := types.RetentionPolicy{
		Hypertable:          req.Hypertable,
		DropAfter:           dropAfter,
		Interval:            interval,
		CascadeToAggregates: req.CascadeToAggregates,
	}
	if err := h.engine.AddRetentionPolicy(r.Context(), policy); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"hypertable": req.Hypertable, "kind": "retention"})
}

func (h *PoliciesHandler) removeRetention(w http.ResponseWriter, r *http.Request, hypertable string) {
	if err := h.engine.RemoveRetentionPolicy(r.Context(), hypertable); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": hypertable})
}
