package apply

import (
	"context"

	"github.com/hyperengineering/forge/internal/tables"
)

type verdict int

const (
	accept verdict = iota
	// unchanged rows carry the canonical updated_at and tombstone state;
	// replaying them is a no-op.
	unchanged
	stale
)

// decide applies the conflict policy to one incoming row against the
// canonical row with the same id.
//
//	incoming seq | current seq | rule
//	present      | present     | accept iff incoming >= current
//	present      | absent      | accept
//	absent       | present     | accept a delete of a live row, else last writer wins
//	absent       | absent      | last writer wins, ties favor the incoming row
func decide(current RowMeta, incoming tables.Header) verdict {
	if incoming.UpdatedAt.Equal(current.UpdatedAt) && incoming.Tombstoned() == current.Tombstoned() {
		return unchanged
	}

	in, cur := incoming.BaseSeq, current.LastServerSeq
	switch {
	case in != nil && cur != nil:
		if *in >= *cur {
			return accept
		}
		return stale
	case in != nil:
		return accept
	case cur != nil && incoming.Tombstoned() && !current.Tombstoned():
		return accept
	}

	if current.UpdatedAt.After(incoming.UpdatedAt) {
		return stale
	}
	return accept
}

// resolveConflicts drops unchanged rows and filters stale ones. Stale rows
// fail the group unless conflicts are tolerated or the row only became a
// duplicate through natural-key remapping.
func (b *batch) resolveConflicts(ctx context.Context, spec *tables.Spec, items []*item) ([]*item, error) {
	if len(items) == 0 {
		return items, nil
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.hdr.ID
	}
	metas, err := b.tx.RowMeta(ctx, spec.Name, ids)
	if err != nil {
		return nil, err
	}

	out := items[:0]
	conflicts := 0
	for _, it := range items {
		meta, ok := metas[it.hdr.ID]
		if !ok {
			out = append(out, it)
			continue
		}
		it.exists = true
		it.meta = meta

		switch decide(meta, it.hdr) {
		case accept:
			out = append(out, it)
		case unchanged:
			b.result.Dropped++
		case stale:
			if it.remapped || b.opts.AllowConflicts {
				b.result.Dropped++
				continue
			}
			conflicts++
		}
	}

	if conflicts > 0 {
		return nil, conflictError(spec.Name, conflicts)
	}
	return out, nil
}
