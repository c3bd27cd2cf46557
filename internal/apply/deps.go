package apply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/forge/internal/tables"
)

// checkDependencies confirms every foreign key of the group resolves to a
// canonical row, including rows written earlier in this push. Tables with
// AbortOnMissing fail the group; DropOnMissing tables lose the offending
// rows only.
func (b *batch) checkDependencies(ctx context.Context, spec *tables.Spec, items []*item) ([]*item, error) {
	if len(spec.ForeignKeys) == 0 || len(items) == 0 {
		return items, nil
	}

	if spec.Name == tables.Operations {
		for _, it := range items {
			if it.row.String("entity_id") == tables.SystemContainerEntityID {
				if err := b.ensureSystemContainer(ctx); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	missing := make(map[*item]bool)
	for _, fk := range spec.ForeignKeys {
		refs := distinctRefs(items, fk.Column)
		if len(refs) == 0 {
			continue
		}
		found, err := b.tx.ExistingIDs(ctx, fk.References, refs)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if ref := it.row.String(fk.Column); ref != "" && !found[ref] {
				missing[it] = true
			}
		}
	}
	if len(missing) == 0 {
		return items, nil
	}

	if spec.MissingRef == tables.AbortOnMissing {
		return nil, dependencyError(spec.Name, len(missing))
	}

	out := items[:0]
	for _, it := range items {
		if !missing[it] {
			out = append(out, it)
		}
	}
	b.result.Dropped += len(missing)
	slog.Info("rows with missing references dropped",
		"component", "apply",
		"action", "missing_refs_dropped",
		"table", spec.Name,
		"dropped", len(missing),
	)
	return out, nil
}

func distinctRefs(items []*item, column string) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, it := range items {
		if ref := it.row.String(column); ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// ensureSystemContainer creates the well-known system container entity, and
// its entity type when no type with the system code exists, unless they are
// already present. The rows are ledgered but not counted as applied.
func (b *batch) ensureSystemContainer(ctx context.Context) error {
	found, err := b.tx.ExistingIDs(ctx, tables.Entities, []string{tables.SystemContainerEntityID})
	if err != nil {
		return err
	}
	if found[tables.SystemContainerEntityID] {
		return nil
	}

	typeRow, entityRow := tables.SystemContainerRows()
	typeSpec, _ := tables.Get(tables.EntityTypes)
	entitySpec, _ := tables.Get(tables.Entities)

	typeKey, _ := typeSpec.KeyOf(typeRow)
	canonical, err := b.tx.LookupNaturalKeys(ctx, typeSpec, []string{typeKey})
	if err != nil {
		return err
	}
	if id, ok := canonical[typeKey]; ok {
		entityRow["entity_type_id"] = id
	} else {
		// The well-known type id may survive under another code; reuse it
		// as is rather than overwrite a client's edit.
		taken, err := b.tx.ExistingIDs(ctx, tables.EntityTypes, []string{tables.SystemContainerTypeID})
		if err != nil {
			return err
		}
		if !taken[tables.SystemContainerTypeID] {
			if err := b.writeSystemRow(ctx, typeSpec, typeRow); err != nil {
				return err
			}
		}
	}

	if err := b.writeSystemRow(ctx, entitySpec, entityRow); err != nil {
		return err
	}

	slog.Info("system container created",
		"component", "apply",
		"action", "system_container_created",
		"entity_id", tables.SystemContainerEntityID,
		"entity_type_id", entityRow["entity_type_id"],
	)
	return nil
}

func (b *batch) writeSystemRow(ctx context.Context, spec *tables.Spec, row tables.Row) error {
	_, seq, err := b.writeRow(ctx, spec, row, false)
	if err != nil {
		return fmt.Errorf("ensure system container: %w", err)
	}
	if err := b.tx.RecordOwner(ctx, spec.Name, row.ID(), b.principal, b.now); err != nil {
		return err
	}
	return b.tx.StampServerSeq(ctx, spec.Name, map[string]int64{row.ID(): seq})
}

// bindAttributeValues resolves each value against its definition's declared
// data_type. Rows whose value does not match are dropped as invalid.
func (b *batch) bindAttributeValues(ctx context.Context, spec *tables.Spec, items []*item) ([]*item, error) {
	if len(items) == 0 {
		return items, nil
	}

	defs, err := b.tx.FetchColumns(ctx, tables.AttributeDefs, distinctRefs(items, "attribute_def_id"), []string{"data_type"})
	if err != nil {
		return nil, err
	}

	out := items[:0]
	var sample []string
	var firstErr error
	invalid := 0
	for _, it := range items {
		defID := it.row.String("attribute_def_id")
		dt, err := tables.ParseDataType(defs[defID].String("data_type"))
		if err == nil {
			err = tables.BindAttributeValue(it.row, dt)
		}
		if err != nil {
			invalid++
			if len(sample) < invalidSampleSize {
				sample = append(sample, it.hdr.ID)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, it)
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
	return out, nil
}
