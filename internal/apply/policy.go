package apply

import (
	"context"

	"github.com/hyperengineering/forge/internal/tables"
)

// identityColumns names the principal columns each scoped table carries.
var identityColumns = map[tables.Scope]struct{ id, username string }{
	tables.ScopeActor:  {"actor_user_id", "actor_username"},
	tables.ScopeSender: {"sender_user_id", "sender_username"},
	tables.ScopeReader: {"user_id", ""},
	tables.ScopeOwner:  {"owner_user_id", "owner_username"},
}

// stampIdentity overwrites client-supplied identity fields with the
// authenticated principal. It runs before validation.
func (b *batch) stampIdentity(spec *tables.Spec, row tables.Row) {
	cols, ok := identityColumns[spec.Scope]
	if !ok {
		return
	}
	row[cols.id] = b.principal.ID
	if cols.username != "" {
		row[cols.username] = nilIfEmpty(b.principal.Username)
	}
}

// enforcePolicy checks updates of principal-scoped rows against their
// stored identity. Any violation denies the whole batch.
func (b *batch) enforcePolicy(ctx context.Context, spec *tables.Spec, items []*item) error {
	if len(items) == 0 {
		return nil
	}
	switch spec.Scope {
	case tables.ScopeActor, tables.ScopeSender, tables.ScopeOwner:
		return b.enforceAuthorship(ctx, spec, items)
	case tables.ScopeReader:
		return b.enforceReader(ctx, spec, items)
	case tables.ScopeShare:
		return b.enforceShares(ctx, spec, items)
	}
	return nil
}

// enforceAuthorship lets only the original author, or an elevated
// principal, update an existing row. The original author is preserved.
func (b *batch) enforceAuthorship(ctx context.Context, spec *tables.Spec, items []*item) error {
	cols := identityColumns[spec.Scope]
	existing := existingIDs(items)
	if len(existing) == 0 {
		return nil
	}

	stored, err := b.tx.FetchColumns(ctx, spec.Name, existing, []string{cols.id, cols.username})
	if err != nil {
		return err
	}

	elevated := b.c.IsElevated(b.principal)
	for _, it := range items {
		if !it.exists {
			continue
		}
		cur := stored[it.hdr.ID]
		author := cur.String(cols.id)
		if author != b.principal.ID && !elevated {
			return policyError(spec.Name, "row %s belongs to another user", it.hdr.ID)
		}
		it.row[cols.id] = author
		it.row[cols.username] = cur[cols.username]
	}
	return nil
}

// enforceReader keeps read receipts personal: a principal may not rewrite
// another user's read row.
func (b *batch) enforceReader(ctx context.Context, spec *tables.Spec, items []*item) error {
	existing := existingIDs(items)
	if len(existing) == 0 {
		return nil
	}
	stored, err := b.tx.FetchColumns(ctx, spec.Name, existing, []string{"user_id"})
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.exists && stored[it.hdr.ID].String("user_id") != b.principal.ID {
			return policyError(spec.Name, "read receipt %s belongs to another user", it.hdr.ID)
		}
	}
	return nil
}

// enforceShares allows a share row to be written by the note's owner or an
// elevated principal. The share's recipient may only touch a share that
// already exists and may not redirect it or change its permission.
func (b *batch) enforceShares(ctx context.Context, spec *tables.Spec, items []*item) error {
	if b.c.IsElevated(b.principal) {
		return nil
	}

	stored, err := b.tx.FetchColumns(ctx, spec.Name, existingIDs(items), []string{"note_id", "recipient_user_id", "permission"})
	if err != nil {
		return err
	}

	noteIDs := distinctRefs(items, "note_id")
	for _, cur := range stored {
		noteIDs = append(noteIDs, cur.String("note_id"))
	}
	notes, err := b.tx.FetchColumns(ctx, tables.Notes, noteIDs, []string{"owner_user_id"})
	if err != nil {
		return err
	}
	ownsNote := func(noteID string) bool {
		return notes[noteID].String("owner_user_id") == b.principal.ID
	}

	for _, it := range items {
		noteID := it.row.String("note_id")
		if !it.exists {
			if !ownsNote(noteID) {
				return policyError(spec.Name, "only the note owner may share note %s", noteID)
			}
			continue
		}

		cur := stored[it.hdr.ID]
		curNote := cur.String("note_id")
		if ownsNote(curNote) && ownsNote(noteID) {
			continue
		}
		recipient := cur.String("recipient_user_id")
		if recipient == b.principal.ID &&
			it.row.String("recipient_user_id") == recipient &&
			it.row.String("permission") == cur.String("permission") &&
			noteID == curNote {
			continue
		}
		return policyError(spec.Name, "share %s is not writable by this user", it.hdr.ID)
	}
	return nil
}

func existingIDs(items []*item) []string {
	var ids []string
	for _, it := range items {
		if it.exists {
			ids = append(ids, it.hdr.ID)
		}
	}
	return ids
}
