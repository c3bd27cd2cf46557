package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/forge/internal/apply"
	"github.com/hyperengineering/forge/internal/snapshot"
	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/tables"
	"github.com/hyperengineering/forge/internal/validation"
)

// SyncPush handles POST /api/v1/sync/push
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	principal, err := PrincipalFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing principal")
		return
	}

	var req forgesync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if errs := validation.ValidatePushRequest(req, tables.Pushable, h.limits.MaxPushRows); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	if req.PushID != "" {
		cached, found, err := h.store.CheckPushIdempotency(ctx, req.PushID, req.ClientID)
		if err != nil {
			slog.Error("idempotency check failed", "component", "api", "push_id", req.PushID, "error", err)
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if found {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.Write(cached)
			slog.Info("push idempotent replay",
				"component", "api",
				"action", "sync_push_replay",
				"client_id", req.ClientID,
				"push_id", req.PushID,
			)
			return
		}
	}

	opts := apply.Options{
		AllowConflicts: r.URL.Query().Get("allow_conflicts") == "true",
		CollectChanges: req.CollectChanges,
	}
	result, err := h.coordinator.Apply(ctx, principal, req, opts)
	if err != nil {
		if !apply.IsSyncError(err) {
			slog.Error("push failed",
				"component", "api",
				"action", "sync_push_failed",
				"client_id", req.ClientID,
				"push_id", req.PushID,
				"error", err,
			)
		}
		MapSyncError(w, r, err)
		return
	}

	resp := forgesync.PushResponse{
		Applied: result.Applied,
		BatchID: result.BatchID,
		Changes: result.Changes,
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode push response", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if req.PushID != "" {
		if err := h.store.RecordPushIdempotency(ctx, req.PushID, req.ClientID, respBytes, h.limits.IdempotencyTTL); err != nil {
			slog.Warn("failed to cache idempotency", "component", "api", "push_id", req.PushID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"client_id", req.ClientID,
		"user_id", principal.ID,
		"push_id", req.PushID,
		"batch_id", result.BatchID,
		"applied", result.Applied,
		"dropped", result.Dropped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// pullRequest is the parsed query of GET /sync/pull.
type pullRequest struct {
	ClientID string
	After    int64
	Limit    int
}

// SyncPull handles GET /api/v1/sync/pull. Changes are served from the tx
// index after a bounded catch-up with the ledger.
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	principal, err := PrincipalFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing principal")
		return
	}

	req, err := parsePullRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// A failed catch-up still serves what is already indexed.
	if _, err := h.index.EnsureUpToDate(ctx, h.limits.MaxCatchupRows); err != nil {
		slog.Warn("tx index catch-up failed", "component", "api", "action", "sync_pull_catchup_failed", "error", err)
	}

	rows, hasMore, err := h.store.ListIndexRows(ctx, req.After, req.Limit)
	if err != nil {
		slog.Error("pull query failed",
			"component", "api",
			"action", "sync_pull_failed",
			"client_id", req.ClientID,
			"after", req.After,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve changes")
		return
	}

	latestSeq, err := h.store.GetLedgerLastSeq(ctx)
	if err != nil {
		slog.Error("get latest sequence failed", "component", "api", "action", "sync_pull_failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve changes")
		return
	}

	lastSeq := req.After
	if len(rows) > 0 {
		lastSeq = rows[len(rows)-1].ServerSeq
	}
	// A bounded catch-up may leave the index behind the ledger.
	hasMore = hasMore || lastSeq < latestSeq

	if err := h.store.RecordPull(ctx, req.ClientID, principal.ID, lastSeq, time.Now().UTC()); err != nil {
		slog.Warn("failed to record pull", "component", "api", "client_id", req.ClientID, "error", err)
	}

	if rows == nil {
		rows = []forgesync.TxIndexRow{}
	}
	writeJSON(w, http.StatusOK, forgesync.PullResponse{
		Changes:        rows,
		LastSequence:   lastSeq,
		LatestSequence: latestSeq,
		HasMore:        hasMore,
	})

	slog.Info("sync pull served",
		"component", "api",
		"action", "sync_pull",
		"client_id", req.ClientID,
		"after", req.After,
		"limit", req.Limit,
		"changes_returned", len(rows),
		"last_sequence", lastSeq,
		"latest_sequence", latestSeq,
		"has_more", hasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// parsePullRequest extracts and validates query parameters for GET /sync/pull.
func parsePullRequest(r *http.Request) (pullRequest, error) {
	var req pullRequest
	q := r.URL.Query()

	req.ClientID = q.Get("client_id")
	if verr := validation.ValidateRequired("client_id", req.ClientID); verr != nil {
		return req, fmt.Errorf("missing required query parameter: client_id")
	}
	if verr := validation.ValidateMaxLength("client_id", req.ClientID, validation.MaxClientIDLength); verr != nil {
		return req, fmt.Errorf("invalid client_id parameter: %s", verr.Message)
	}

	afterStr := q.Get("after")
	if afterStr == "" {
		return req, fmt.Errorf("missing required query parameter: after")
	}
	after, err := strconv.ParseInt(afterStr, 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid after parameter: must be an integer")
	}
	if after < 0 {
		return req, fmt.Errorf("invalid after parameter: must be >= 0")
	}
	req.After = after

	limitStr := q.Get("limit")
	if limitStr == "" {
		req.Limit = forgesync.DefaultPullLimit
		return req, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return req, fmt.Errorf("invalid limit parameter: must be an integer")
	}
	if limit < 1 {
		return req, fmt.Errorf("invalid limit parameter: must be >= 1")
	}
	if limit > forgesync.MaxPullLimit {
		limit = forgesync.MaxPullLimit
	}
	req.Limit = limit
	return req, nil
}

// SyncSnapshot handles GET /api/v1/sync/snapshot. Clients are redirected to
// object storage when it is configured, otherwise the local snapshot file is
// streamed.
func (h *Handler) SyncSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	presigned, _, err := h.uploader.PresignedURL(ctx)
	if err == nil {
		http.Redirect(w, r, presigned, http.StatusFound)
		return
	}
	if !errors.Is(err, snapshot.ErrNotConfigured) {
		slog.Warn("pre-signed URL failed, serving local snapshot", "component", "api", "error", err)
	}

	path, err := h.store.GetSnapshotPath(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		slog.Error("open snapshot failed", "component", "api", "path", path, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("stat snapshot failed", "component", "api", "path", path, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "current.db", info.ModTime(), f)
}

// IndexStatus handles GET /api/v1/sync/index/status
func (h *Handler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.index.Status(r.Context())
	if err != nil {
		slog.Error("index status failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// IndexRebuildResponse is the body of POST /sync/index/rebuild.
type IndexRebuildResponse struct {
	Rows       int64     `json:"rows"`
	RebuiltAt  time.Time `json:"rebuilt_at"`
	DurationMS int64     `json:"duration_ms"`
}

// IndexRebuild handles POST /api/v1/sync/index/rebuild. Elevated roles only.
func (h *Handler) IndexRebuild(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	principal, err := PrincipalFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing principal")
		return
	}
	if !h.coordinator.IsElevated(principal) {
		WriteProblem(w, r, http.StatusForbidden, "Index rebuild requires an elevated role")
		return
	}

	rows, err := h.index.Rebuild(ctx)
	if err != nil {
		slog.Error("index rebuild failed", "component", "api", "action", "index_rebuild_failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Index rebuild failed")
		return
	}

	now := time.Now().UTC()
	if err := h.store.SetSyncMeta(ctx, forgesync.SyncMetaLastIndexRebuildAt, now.Format(time.RFC3339Nano)); err != nil {
		slog.Warn("failed to record index rebuild", "component", "api", "error", err)
	}

	slog.Info("index rebuild requested",
		"component", "api",
		"action", "index_rebuild",
		"user_id", principal.ID,
		"rows", rows,
	)
	writeJSON(w, http.StatusOK, IndexRebuildResponse{
		Rows:       rows,
		RebuiltAt:  now,
		DurationMS: time.Since(start).Milliseconds(),
	})
}
