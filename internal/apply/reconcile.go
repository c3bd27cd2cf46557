package apply

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/forge/internal/tables"
)

// dedupeByID collapses rows sharing an id to the one with the latest
// updated_at. The first row seen wins ties. Order of first appearance is kept.
func dedupeByID(items []*item) []*item {
	pos := make(map[string]int, len(items))
	out := items[:0]
	for _, it := range items {
		if i, ok := pos[it.hdr.ID]; ok {
			if it.hdr.UpdatedAt.After(out[i].hdr.UpdatedAt) {
				out[i] = it
			}
			continue
		}
		pos[it.hdr.ID] = len(out)
		out = append(out, it)
	}
	return out
}

// reconcile converges rows of a natural-key table on one id per key.
// The target id of a key is the canonical row already holding it, tombstoned
// or not, else an existing row of the group that renames onto a free key.
// Client-minted rows sharing a key collapse to the latest updated_at (first
// seen wins ties) and the survivor takes over the target id. Every replaced
// client id is recorded in the batch remap so later groups follow it.
// Existing rows are never remapped: one that claims a key held by another
// row is a key collision.
func (b *batch) reconcile(ctx context.Context, spec *tables.Spec, items []*item) ([]*item, error) {
	if !spec.HasNaturalKey() || len(items) == 0 {
		return items, nil
	}

	groups := make(map[string][]*item)
	var order []string
	var ids []string
	var out []*item

	for _, it := range items {
		key, ok := spec.KeyOf(it.row)
		if !ok {
			// Prepare requires key columns, so this is unreachable in practice.
			out = append(out, it)
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
		ids = append(ids, it.hdr.ID)
	}
	if len(order) == 0 {
		return out, nil
	}

	canonical, err := b.tx.LookupNaturalKeys(ctx, spec, order)
	if err != nil {
		return nil, err
	}
	existing, err := b.tx.ExistingIDs(ctx, spec.Name, ids)
	if err != nil {
		return nil, err
	}

	remap := b.remapFor(spec.Name)
	var collapsed, remapped, collisions int
	var collided []string
	for _, key := range order {
		target, hasTarget := canonical[key]
		var winner *item
		var losers []string
		for _, it := range groups[key] {
			if existing[it.hdr.ID] {
				if !hasTarget {
					target, hasTarget = it.hdr.ID, true
				}
				if it.hdr.ID != target {
					collisions++
					if len(collided) < invalidSampleSize {
						collided = append(collided, it.hdr.ID)
					}
					continue
				}
			}
			switch {
			case winner == nil:
				winner = it
			case it.hdr.UpdatedAt.After(winner.hdr.UpdatedAt):
				losers = append(losers, winner.hdr.ID)
				winner = it
			default:
				losers = append(losers, it.hdr.ID)
			}
		}
		if winner == nil {
			continue
		}

		if hasTarget && winner.hdr.ID != target {
			remap[winner.hdr.ID] = target
			winner.hdr.ID = target
			winner.row[tables.ColID] = target
			winner.remapped = true
			remapped++
		}
		for _, loser := range losers {
			if loser != winner.hdr.ID {
				remap[loser] = winner.hdr.ID
			}
			collapsed++
		}
		out = append(out, winner)
	}

	if collisions > 0 {
		if !b.opts.AllowConflicts {
			return nil, conflictError(spec.Name, collisions)
		}
		b.result.Dropped += collisions
		slog.Warn("natural key collisions dropped",
			"component", "apply",
			"action", "natural_key_collision",
			"table", spec.Name,
			"client_id", b.clientID,
			"dropped", collisions,
			"sample_ids", collided,
		)
	}

	if collapsed > 0 || remapped > 0 {
		b.result.Dropped += collapsed
		slog.Debug("natural keys reconciled",
			"component", "apply",
			"action", "natural_key_remap",
			"table", spec.Name,
			"collapsed", collapsed,
			"remapped", remapped,
		)
	}

	// Two keys may have resolved to canonical ids that another row of the
	// batch already carries; collapse again by id.
	return dedupeByID(out), nil
}

func (b *batch) remapFor(table string) map[string]string {
	m, ok := b.remaps[table]
	if !ok {
		m = make(map[string]string)
		b.remaps[table] = m
	}
	return m
}
