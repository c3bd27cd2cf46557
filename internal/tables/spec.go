// Package tables describes the syncable tables a client may push: their
// columns, foreign keys, natural keys and per-table sync policies.
package tables

import "strings"

// Syncable row columns shared by every table.
const (
	ColID            = "id"
	ColCreatedAt     = "created_at"
	ColUpdatedAt     = "updated_at"
	ColDeletedAt     = "deleted_at"
	ColLastServerSeq = "last_server_seq"
)

// Scope identifies how a table's rows are tied to the acting principal.
type Scope int

const (
	ScopeNone      Scope = iota
	ScopeActor           // audit_log: actor stamped from the principal
	ScopeSender          // chat_messages: sender stamped, updates by sender only
	ScopeReader          // chat_reads: reader stamped, own rows only
	ScopeOwner           // notes: owner stamped on create, updates by owner only
	ScopeShare           // note_shares: note owner or share recipient
	ScopeHeartbeat       // presence: written by the server only
)

// MissingRefPolicy decides what happens to rows whose foreign keys do not
// resolve to a canonical row.
type MissingRefPolicy int

const (
	// AbortOnMissing fails the whole batch.
	AbortOnMissing MissingRefPolicy = iota
	// DropOnMissing silently drops the offending rows.
	DropOnMissing
)

// ForeignKey is a column holding the id of a row in another table.
type ForeignKey struct {
	Column     string
	References string
	Optional   bool
}

// Spec declares one syncable table.
type Spec struct {
	// Name is the SQL table name.
	Name string

	// Columns lists the domain columns, excluding the syncable row columns
	// (id, created_at, updated_at, deleted_at, last_server_seq).
	Columns []string

	ForeignKeys []ForeignKey

	// NaturalKey names the columns of the table's natural key space, if any.
	// Rows with the same key converge on one canonical id.
	NaturalKey []string

	// Normalize lists text columns stored in Unicode NFC with surrounding
	// whitespace removed.
	Normalize []string

	Required   []string
	Timestamps []string
	Enums      map[string][]string
	Defaults   map[string]any

	// Extra lists request-only fields accepted on input but never stored
	// as-is (attribute_values.value).
	Extra []string

	Scope      Scope
	MissingRef MissingRefPolicy
}

// AllColumns returns every stored column except last_server_seq, with id first.
func (s *Spec) AllColumns() []string {
	cols := make([]string, 0, len(s.Columns)+4)
	cols = append(cols, ColID)
	cols = append(cols, s.Columns...)
	cols = append(cols, ColCreatedAt, ColUpdatedAt, ColDeletedAt)
	return cols
}

// ForeignKey returns the foreign key declared on column, if any.
func (s *Spec) ForeignKey(column string) (ForeignKey, bool) {
	for _, fk := range s.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// HasNaturalKey reports whether rows of this table are deduplicated by key.
func (s *Spec) HasNaturalKey() bool {
	return len(s.NaturalKey) > 0
}

// KeyOf returns the natural key of a prepared row. The second result is
// false when the table has no natural key or a key column is empty.
func (s *Spec) KeyOf(row Row) (string, bool) {
	if !s.HasNaturalKey() {
		return "", false
	}
	parts := make([]string, len(s.NaturalKey))
	for i, col := range s.NaturalKey {
		v, _ := row[col].(string)
		if v == "" {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, "\x1f"), true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
