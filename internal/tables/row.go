package tables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/hyperengineering/forge/internal/validation"
)

// TimeLayout is the fixed-width UTC layout every stored timestamp uses, so
// that timestamps compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// MaxTextLength bounds any single text column.
const MaxTextLength = 65536

// Row is one decoded syncable row keyed by column name.
type Row map[string]any

// ID returns the row id, or "" when absent.
func (r Row) ID() string {
	id, _ := r[ColID].(string)
	return id
}

// String returns a text column, or "" when absent or not text.
func (r Row) String(col string) string {
	v, _ := r[col].(string)
	return v
}

// Header is the parsed syncable part of a row.
type Header struct {
	ID        string
	UpdatedAt time.Time
	DeletedAt *time.Time

	// BaseSeq is the last_server_seq the client last saw for this row. It is
	// only an input to conflict detection and never stored.
	BaseSeq *int64
}

// Tombstoned reports whether the row is soft-deleted.
func (h Header) Tombstoned() bool {
	return h.DeletedAt != nil
}

// InvalidRowError reports why a row failed validation.
type InvalidRowError struct {
	Table  string
	RowID  string
	Errors []validation.ValidationError
}

func (e *InvalidRowError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Field + " " + ve.Message
	}
	id := e.RowID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("invalid %s row %s: %s", e.Table, id, strings.Join(msgs, "; "))
}

// Decode parses a raw JSON object into a Row. Numbers are kept as
// json.Number until Prepare converts them.
func Decode(raw json.RawMessage) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("decode row: not a JSON object")
	}
	return row, nil
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses an RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// NormalizeText applies Unicode NFC and trims surrounding whitespace.
func NormalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// Prepare validates a decoded row against the table and returns the
// projection that will be stored: unknown fields removed, ids lowercased,
// timestamps rewritten in TimeLayout, key columns normalized and JSON
// columns serialized. The incoming last_server_seq is returned in the header
// and never appears in the result.
func (s *Spec) Prepare(in Row) (Row, Header, error) {
	var c validation.Collector
	var h Header
	out := make(Row, len(s.Columns)+4)

	id, _ := in[ColID].(string)
	id = strings.ToLower(strings.TrimSpace(id))
	if err := validation.ValidateUUID(ColID, id); err != nil {
		c.Add(err)
	}
	h.ID = id
	out[ColID] = id

	if ts, ok := s.timestamp(&c, in, ColUpdatedAt, true); ok {
		h.UpdatedAt = ts
		out[ColUpdatedAt] = FormatTime(ts)
	}
	if ts, ok := s.timestamp(&c, in, ColCreatedAt, false); ok {
		out[ColCreatedAt] = FormatTime(ts)
	} else if !h.UpdatedAt.IsZero() {
		out[ColCreatedAt] = FormatTime(h.UpdatedAt)
	}
	if ts, ok := s.timestamp(&c, in, ColDeletedAt, false); ok {
		h.DeletedAt = &ts
		out[ColDeletedAt] = FormatTime(ts)
	} else {
		out[ColDeletedAt] = nil
	}

	if seq, err := baseSeq(in[ColLastServerSeq]); err != nil {
		c.Add(&validation.ValidationError{Field: ColLastServerSeq, Message: err.Error()})
	} else {
		h.BaseSeq = seq
	}

	for _, col := range s.Columns {
		v, present := in[col]
		if !present || v == nil {
			if d, ok := s.Defaults[col]; ok {
				v = d
			}
		}
		out[col] = s.column(&c, col, v)
	}
	for _, col := range s.Extra {
		if v, ok := in[col]; ok {
			out[col] = v
		}
	}

	for _, col := range s.Required {
		if v, ok := out[col].(string); ok {
			if strings.TrimSpace(v) == "" {
				c.Add(&validation.ValidationError{Field: col, Message: "is required"})
			}
			continue
		}
		if out[col] == nil {
			c.Add(&validation.ValidationError{Field: col, Message: "is required"})
		}
	}

	for _, fk := range s.ForeignKeys {
		v := out[fk.Column]
		if v == nil {
			if !fk.Optional {
				c.Add(&validation.ValidationError{Field: fk.Column, Message: "is required"})
			}
			continue
		}
		ref, ok := v.(string)
		if !ok {
			c.Add(&validation.ValidationError{Field: fk.Column, Message: "must be a string id"})
			continue
		}
		ref = strings.ToLower(ref)
		c.Add(validation.ValidateUUID(fk.Column, ref))
		out[fk.Column] = ref
	}

	for col, allowed := range s.Enums {
		if v, ok := out[col].(string); ok {
			c.Add(validation.ValidateEnum(col, v, allowed))
		}
	}

	if c.HasErrors() {
		return nil, h, &InvalidRowError{Table: s.Name, RowID: id, Errors: c.Errors()}
	}
	return out, h, nil
}

func (s *Spec) timestamp(c *validation.Collector, in Row, col string, required bool) (time.Time, bool) {
	v, present := in[col]
	if !present || v == nil {
		if required {
			c.Add(&validation.ValidationError{Field: col, Message: "is required"})
		}
		return time.Time{}, false
	}
	str, ok := v.(string)
	if !ok {
		c.Add(&validation.ValidationError{Field: col, Message: "must be an RFC 3339 timestamp"})
		return time.Time{}, false
	}
	ts, err := ParseTime(str)
	if err != nil {
		c.Add(validation.ValidateTimestamp(col, str))
		return time.Time{}, false
	}
	return ts, true
}

// column converts one domain column to its stored form.
func (s *Spec) column(c *validation.Collector, col string, v any) any {
	if v == nil {
		return nil
	}

	if strings.HasSuffix(col, "_json") {
		if str, ok := v.(string); ok {
			if !json.Valid([]byte(str)) {
				c.Add(&validation.ValidationError{Field: col, Message: "must be valid JSON"})
				return nil
			}
			return str
		}
		b, err := json.Marshal(v)
		if err != nil {
			c.Add(&validation.ValidationError{Field: col, Message: "must be valid JSON"})
			return nil
		}
		return string(b)
	}

	switch val := v.(type) {
	case string:
		c.Add(validation.ValidateUTF8(col, val))
		c.Add(validation.ValidateNoNullBytes(col, val))
		c.Add(validation.ValidateMaxLength(col, val, MaxTextLength))
		if contains(s.Normalize, col) {
			val = NormalizeText(val)
		}
		if contains(s.Timestamps, col) {
			ts, err := ParseTime(val)
			if err != nil {
				c.Add(validation.ValidateTimestamp(col, val))
				return nil
			}
			return FormatTime(ts)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, err := val.Float64()
		if err != nil {
			c.Add(&validation.ValidationError{Field: col, Message: "must be a number"})
			return nil
		}
		return f
	case bool, int64, float64:
		return val
	default:
		c.Add(&validation.ValidationError{Field: col, Message: "must be a scalar value"})
		return nil
	}
}

func baseSeq(v any) (*int64, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("must be an integer")
		}
		return &i, nil
	case int64:
		return &val, nil
	case float64:
		i := int64(val)
		if float64(i) != val {
			return nil, fmt.Errorf("must be an integer")
		}
		return &i, nil
	default:
		return nil, fmt.Errorf("must be an integer")
	}
}

// Payload renders the ledger snapshot of a prepared row: every stored column
// except last_server_seq, with absent columns as null.
func (s *Spec) Payload(row Row) (json.RawMessage, error) {
	snap := make(map[string]any, len(s.Columns)+4)
	for _, col := range s.AllColumns() {
		snap[col] = row[col]
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", s.Name, err)
	}
	return b, nil
}
