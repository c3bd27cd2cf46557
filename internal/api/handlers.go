package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/forge/internal/apply"
	"github.com/hyperengineering/forge/internal/snapshot"
	"github.com/hyperengineering/forge/internal/store"
	"github.com/hyperengineering/forge/internal/txindex"
)

// Limits bound the work a single request may cause.
type Limits struct {
	MaxPushRows    int
	IdempotencyTTL time.Duration
	// MaxCatchupRows bounds the index catch-up a pull performs inline.
	MaxCatchupRows int
}

// Handler implements the API handlers
type Handler struct {
	store       store.Store
	coordinator *apply.Coordinator
	index       *txindex.Materializer
	uploader    snapshot.Uploader
	apiKey      string
	version     string
	limits      Limits
}

// NewHandler creates a new Handler. A nil uploader serves snapshots from
// local disk only.
func NewHandler(
	s store.Store,
	c *apply.Coordinator,
	m *txindex.Materializer,
	u snapshot.Uploader,
	apiKey, version string,
	limits Limits,
) *Handler {
	if u == nil {
		u = &snapshot.NoopUploader{}
	}
	return &Handler{
		store:       s,
		coordinator: c,
		index:       m,
		uploader:    u,
		apiKey:      apiKey,
		version:     version,
		limits:      limits,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string           `json:"status"`
	Version      string           `json:"version"`
	LedgerMaxSeq int64            `json:"ledger_max_seq"`
	IndexMaxSeq  int64            `json:"index_max_seq"`
	RowCounts    map[string]int64 `json:"row_counts"`
	LastSnapshot *time.Time       `json:"last_snapshot"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		LedgerMaxSeq: stats.LedgerMaxSeq,
		IndexMaxSeq:  stats.IndexMaxSeq,
		RowCounts:    stats.RowCounts,
		LastSnapshot: stats.LastSnapshot,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
