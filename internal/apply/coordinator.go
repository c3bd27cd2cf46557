// Package apply ingests client push batches into the canonical store: one
// transaction per push, table groups in dependency order, each group passing
// through natural-key reconciliation, conflict resolution, the dependency
// guard and ownership policy before it is written and ledgered.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/tables"
)

// invalidSampleSize caps the ids logged for dropped invalid rows.
const invalidSampleSize = 5

// Options tunes a single Apply call.
type Options struct {
	// AllowConflicts drops stale rows instead of failing the batch.
	AllowConflicts bool

	// CollectChanges returns every applied row in Result.Changes.
	CollectChanges bool
}

// Result describes what a push changed.
type Result struct {
	Applied int
	BatchID string
	Changes []forgesync.AppliedChange

	// Dropped counts rows removed from the batch without failing it
	// (invalid, unchanged, stale-but-tolerated, missing read targets).
	Dropped int
}

// Coordinator applies push batches.
type Coordinator struct {
	store    Store
	elevated map[string]bool
	now      func() time.Time
}

// NewCoordinator creates a coordinator. Principals whose role is listed in
// elevatedRoles may edit rows owned by others.
func NewCoordinator(store Store, elevatedRoles []string) *Coordinator {
	elevated := make(map[string]bool, len(elevatedRoles))
	for _, r := range elevatedRoles {
		if r = strings.TrimSpace(r); r != "" {
			elevated[r] = true
		}
	}
	return &Coordinator{store: store, elevated: elevated, now: time.Now}
}

// IsElevated reports whether the principal's role bypasses row ownership.
func (c *Coordinator) IsElevated(p forgesync.Principal) bool {
	return c.elevated[p.Role]
}

// batch holds the state of one push while it is being applied.
type batch struct {
	c         *Coordinator
	tx        Tx
	principal forgesync.Principal
	clientID  string
	batchID   string
	now       time.Time
	opts      Options
	result    *Result

	// remaps is the natural-key remap of this push: table name to
	// client-minted id to canonical id. It never outlives the transaction.
	remaps map[string]map[string]string
}

// Apply runs one push in a single transaction. Either every surviving row is
// written and ledgered together with the presence heartbeat, or nothing is.
func (c *Coordinator) Apply(ctx context.Context, principal forgesync.Principal, req forgesync.PushRequest, opts Options) (*Result, error) {
	if principal.ID == "" {
		return nil, &SyncError{Kind: ErrPolicyDenied, Reason: "no authenticated principal"}
	}
	if req.ClientID == "" {
		return nil, &SyncError{Kind: ErrInvalidRequest, Reason: "client_id is required"}
	}

	groups := make(map[string][]forgesync.TableRows, len(req.Upserts))
	for _, g := range req.Upserts {
		if !tables.Pushable(g.Table) {
			return nil, &SyncError{Kind: ErrInvalidRequest, Table: g.Table, Reason: fmt.Sprintf("unknown table %q", g.Table)}
		}
		groups[g.Table] = append(groups[g.Table], g)
	}

	start := time.Now()
	tx, err := c.store.BeginApply(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	b := &batch{
		c:         c,
		tx:        tx,
		principal: principal,
		clientID:  req.ClientID,
		batchID:   ulid.Make().String(),
		now:       c.now().UTC(),
		opts:      opts,
		result:    &Result{},
		remaps:    make(map[string]map[string]string),
	}
	b.result.BatchID = b.batchID

	for _, spec := range tables.Ordered() {
		raws := groups[spec.Name]
		if len(raws) == 0 {
			continue
		}
		if err := b.applyGroup(ctx, spec, raws); err != nil {
			slog.Warn("push rejected",
				"component", "apply",
				"action", "push_rejected",
				"client_id", req.ClientID,
				"user_id", principal.ID,
				"table", spec.Name,
				"error", err,
			)
			return nil, err
		}
	}

	if err := b.heartbeat(ctx); err != nil {
		return nil, err
	}
	if err := tx.TouchSyncState(ctx, req.ClientID, principal.ID, b.now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	slog.Info("push applied",
		"component", "apply",
		"action", "push_applied",
		"client_id", req.ClientID,
		"user_id", principal.ID,
		"batch_id", b.batchID,
		"applied", b.result.Applied,
		"dropped", b.result.Dropped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return b.result, nil
}

// item is one row moving through a table group.
type item struct {
	row tables.Row
	hdr tables.Header

	// remapped is set when the row's id was replaced by a canonical id
	// found through its natural key.
	remapped bool

	// exists is set when a canonical row with this id already exists.
	exists bool
	meta   RowMeta
}

func (b *batch) applyGroup(ctx context.Context, spec *tables.Spec, groups []forgesync.TableRows) error {
	items := b.parse(spec, groups)
	b.rewriteForeignKeys(spec, items)
	items = dedupeByID(items)

	items, err := b.reconcile(ctx, spec, items)
	if err != nil {
		return err
	}
	if items, err = b.resolveConflicts(ctx, spec, items); err != nil {
		return err
	}
	if items, err = b.checkDependencies(ctx, spec, items); err != nil {
		return err
	}
	if spec.Name == tables.AttributeValues {
		if items, err = b.bindAttributeValues(ctx, spec, items); err != nil {
			return err
		}
	}
	if err := b.enforcePolicy(ctx, spec, items); err != nil {
		return err
	}

	applied, err := b.write(ctx, spec, items)
	if err != nil {
		return err
	}
	b.result.Applied += applied
	return nil
}

// parse decodes and validates every row of a group. Invalid rows are dropped
// and logged with a capped sample of their ids.
func (b *batch) parse(spec *tables.Spec, groups []forgesync.TableRows) []*item {
	var items []*item
	var invalid int
	var sample []string
	var firstErr error

	for _, g := range groups {
		for _, raw := range g.Rows {
			row, err := tables.Decode(raw)
			if err == nil {
				b.stampIdentity(spec, row)
				var prepared tables.Row
				var hdr tables.Header
				if prepared, hdr, err = spec.Prepare(row); err == nil {
					items = append(items, &item{row: prepared, hdr: hdr})
					continue
				}
				if len(sample) < invalidSampleSize {
					sample = append(sample, fmt.Sprint(row[tables.ColID]))
				}
			}
			invalid++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if invalid > 0 {
		b.result.Dropped += invalid
		slog.Warn(fmt.Sprintf("%s: %s", ErrInvalidRow, spec.Name),
			"component", "apply",
			"action", "invalid_rows_dropped",
			"table", spec.Name,
			"client_id", b.clientID,
			"dropped", invalid,
			"sample_ids", sample,
			"error", firstErr,
		)
	}
	return items
}

// rewriteForeignKeys points foreign keys at canonical ids found by natural
// key reconciliation of earlier groups in this push.
func (b *batch) rewriteForeignKeys(spec *tables.Spec, items []*item) {
	for _, fk := range spec.ForeignKeys {
		remap := b.remaps[fk.References]
		if len(remap) == 0 {
			continue
		}
		for _, it := range items {
			if ref := it.row.String(fk.Column); ref != "" {
				if canonical, ok := remap[ref]; ok {
					it.row[fk.Column] = canonical
				}
			}
		}
	}
}

// write upserts, ledgers and stamps the surviving rows of a group.
func (b *batch) write(ctx context.Context, spec *tables.Spec, items []*item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	seqs := make(map[string]int64, len(items))
	for _, it := range items {
		if it.exists {
			// The upsert keeps the stored created_at; the ledger must agree.
			it.row[tables.ColCreatedAt] = tables.FormatTime(it.meta.CreatedAt)
		}
		change, seq, err := b.writeRow(ctx, spec, it.row, it.hdr.Tombstoned())
		if err != nil {
			return 0, err
		}
		seqs[it.hdr.ID] = seq
		if !it.exists {
			if err := b.tx.RecordOwner(ctx, spec.Name, it.hdr.ID, b.principal, b.now); err != nil {
				return 0, err
			}
		}
		if b.opts.CollectChanges {
			b.result.Changes = append(b.result.Changes, change)
		}
	}

	if err := b.tx.StampServerSeq(ctx, spec.Name, seqs); err != nil {
		return 0, err
	}
	return len(items), nil
}

// writeRow upserts one row and appends its ledger entry.
func (b *batch) writeRow(ctx context.Context, spec *tables.Spec, row tables.Row, tombstoned bool) (forgesync.AppliedChange, int64, error) {
	if err := b.tx.UpsertRow(ctx, spec, row); err != nil {
		return forgesync.AppliedChange{}, 0, err
	}

	payload, err := spec.Payload(row)
	if err != nil {
		return forgesync.AppliedChange{}, 0, err
	}
	op := forgesync.OperationUpsert
	if tombstoned {
		op = forgesync.OperationDelete
	}

	seq, err := b.tx.AppendChange(ctx, &forgesync.ChangeLogEntry{
		TableName: spec.Name,
		EntityID:  row.ID(),
		Operation: op,
		Payload:   payload,
		SourceID:  b.clientID,
		BatchID:   b.batchID,
		CreatedAt: b.now,
	})
	if err != nil {
		return forgesync.AppliedChange{}, 0, err
	}
	return forgesync.AppliedChange{Table: spec.Name, RowID: row.ID(), Op: op, Payload: payload}, seq, nil
}

// heartbeat upserts and ledgers the presence row of the acting principal.
// It is not counted as applied.
func (b *batch) heartbeat(ctx context.Context) error {
	spec := tables.PresenceSpec
	id := b.principal.ID
	now := tables.FormatTime(b.now)
	row := tables.Row{
		tables.ColID:        id,
		"username":          nilIfEmpty(b.principal.Username),
		"client_id":         b.clientID,
		"last_active_at":    now,
		tables.ColCreatedAt: now,
		tables.ColUpdatedAt: now,
		tables.ColDeletedAt: nil,
	}

	metas, err := b.tx.RowMeta(ctx, spec.Name, []string{id})
	if err != nil {
		return err
	}
	meta, exists := metas[id]
	if exists {
		row[tables.ColCreatedAt] = tables.FormatTime(meta.CreatedAt)
	}

	_, seq, err := b.writeRow(ctx, spec, row, false)
	if err != nil {
		return err
	}
	if !exists {
		if err := b.tx.RecordOwner(ctx, spec.Name, id, b.principal, b.now); err != nil {
			return err
		}
	}
	return b.tx.StampServerSeq(ctx, spec.Name, map[string]int64{id: seq})
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IsSyncError reports whether err is one of the data-driven push failures,
// as opposed to a storage failure.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
