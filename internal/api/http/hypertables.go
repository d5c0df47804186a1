package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chronotable/chronotable/internal/engine"
	"github.com/chronotable/chronotable/pkg/types"
)

// CreateHypertableRequest is the body of POST /v1/hypertables.
type CreateHypertableRequest struct {
	Name          string `json:"name"`
	TimeColumn    string `json:"time_column"`
	ChunkInterval string `json:"chunk_interval"`
}

// HypertableResponse describes one hypertable.
type HypertableResponse struct {
	Name          string `json:"name"`
	TimeColumn    string `json:"time_column"`
	ChunkInterval string `json:"chunk_interval"`
	CreatedAt     int64  `json:"created_at"`
}

// ChunkResponse describes one chunk of a hypertable.
type ChunkResponse struct {
	ID       string `json:"id"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	State    string `json:"state"`
	RowCount int64  `json:"row_count"`
}

// HypertablesHandler serves /v1/hypertables and its subpaths.
type HypertablesHandler struct {
	engine *engine.Engine
}

// NewHypertablesHandler creates the hypertable handler.
func NewHypertablesHandler(eng *engine.Engine) *HypertablesHandler {
	return &HypertablesHandler{engine: eng}
}

// ServeHTTP routes hypertable requests:
//
//	POST   /v1/hypertables
//	GET    /v1/hypertables
//	GET    /v1/hypertables/{name}
//	DELETE /v1/hypertables/{name}
//	GET    /v1/hypertables/{name}/chunks
func (h *HypertablesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/hypertables"), "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.create(w, r)
	case rest == "" && r.Method == http.MethodGet:
		h.list(w, r)
	case strings.HasSuffix(rest, "/chunks") && r.Method == http.MethodGet:
		h.chunks(w, r, strings.TrimSuffix(rest, "/chunks"))
	case rest != "" && r.Method == http.MethodGet:
		h.get(w, r, rest)
	case rest != "" && r.Method == http.MethodDelete:
		h.drop(w, r, rest)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	}
}

func (h *HypertablesHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateHypertableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	interval, err := time.ParseDuration(req.ChunkInterval)
	if err != nil {
		writeBadRequest(w, r, "invalid chunk_interval: "+err.Error())
		return
	}

	ht := types.Hypertable{
		Name:          req.Name,
		TimeColumn:    req.TimeColumn,
		ChunkInterval: interval,
	}
	if err := h.engine.CreateHypertable(r.Context(), ht); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hypertableResponse(ht))
}

func (h *HypertablesHandler) list(w http.ResponseWriter, r *http.Request) {
	hts, err := h.engine.ListHypertables(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]HypertableResponse, len(hts))
	for i, ht := range hts {
		out[i] = hypertableResponse(ht)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HypertablesHandler) get(w http.ResponseWriter, r *http.Request, name string) {
	ht, err := h.engine.GetHypertable(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hypertableResponse(ht))
}

func (h *HypertablesHandler) drop(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.engine.DropHypertable(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dropped": name})
}

func (h *HypertablesHandler) chunks(w http.ResponseWriter, r *http.Request, name string) {
	infos, err := h.engine.ChunkInfos(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]ChunkResponse, len(infos))
	for i, info := range infos {
		out[i] = ChunkResponse{
			ID:       info.ID,
			Start:    info.Range.Start,
			End:      info.Range.End,
			State:    info.State.String(),
			RowCount: info.RowCount,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func hypertableResponse(ht types.Hypertable) HypertableResponse {
	return HypertableResponse{
		Name:          ht.Name,
		TimeColumn:    ht.TimeColumn,
		ChunkInterval: ht.ChunkInterval.String(),
		CreatedAt:     ht.CreatedAt.UnixNano(),
	}
}
