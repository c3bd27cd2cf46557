package tables

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/forge/internal/validation"
)

// DataType is the declared type of an attribute definition.
type DataType string

const (
	TypeText    DataType = "text"
	TypeNumber  DataType = "number"
	TypeBoolean DataType = "boolean"
	TypeLink    DataType = "link"
	TypeJSON    DataType = "json"
)

// Typed value columns of attribute_values.
const (
	ColValueText   = "value_text"
	ColValueNumber = "value_number"
	ColValueBool   = "value_bool"
	ColValueLink   = "value_link"
	ColValueJSON   = "value_json"
)

var valueColumns = map[DataType]string{
	TypeText:    ColValueText,
	TypeNumber:  ColValueNumber,
	TypeBoolean: ColValueBool,
	TypeLink:    ColValueLink,
	TypeJSON:    ColValueJSON,
}

// ParseDataType validates a declared data type.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(s)
	if _, ok := valueColumns[dt]; !ok {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return dt, nil
}

// AttrValue is an attribute value tagged with its declared type. Exactly one
// of the typed fields is meaningful, selected by Type. A Null value clears
// every typed column.
type AttrValue struct {
	Type   DataType
	Null   bool
	Text   string
	Number float64
	Bool   bool
	Link   string
	JSON   json.RawMessage
}

// DecodeValue converts a decoded JSON value into an AttrValue of type dt,
// rejecting values that do not match the declared type.
func DecodeValue(dt DataType, v any) (AttrValue, error) {
	if _, ok := valueColumns[dt]; !ok {
		return AttrValue{}, fmt.Errorf("unknown data type %q", dt)
	}
	out := AttrValue{Type: dt}
	if v == nil {
		out.Null = true
		return out, nil
	}

	switch dt {
	case TypeText:
		s, ok := v.(string)
		if !ok {
			return AttrValue{}, fmt.Errorf("value must be text")
		}
		out.Text = s
	case TypeNumber:
		switch n := v.(type) {
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return AttrValue{}, fmt.Errorf("value must be a number")
			}
			out.Number = f
		case float64:
			out.Number = n
		case int64:
			out.Number = float64(n)
		default:
			return AttrValue{}, fmt.Errorf("value must be a number")
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			out.Bool = b
		case int64:
			if b != 0 && b != 1 {
				return AttrValue{}, fmt.Errorf("value must be a boolean")
			}
			out.Bool = b == 1
		default:
			return AttrValue{}, fmt.Errorf("value must be a boolean")
		}
	case TypeLink:
		s, ok := v.(string)
		if !ok {
			return AttrValue{}, fmt.Errorf("value must be a row id")
		}
		s = strings.ToLower(s)
		if err := validation.ValidateUUID("value", s); err != nil {
			return AttrValue{}, fmt.Errorf("value must be a row id")
		}
		out.Link = s
	case TypeJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return AttrValue{}, fmt.Errorf("value must be JSON: %w", err)
		}
		out.JSON = b
	}
	return out, nil
}

// Columns returns all five typed columns, with only the one for Type set.
func (v AttrValue) Columns() map[string]any {
	cols := map[string]any{
		ColValueText:   nil,
		ColValueNumber: nil,
		ColValueBool:   nil,
		ColValueLink:   nil,
		ColValueJSON:   nil,
	}
	if v.Null {
		return cols
	}
	switch v.Type {
	case TypeText:
		cols[ColValueText] = v.Text
	case TypeNumber:
		cols[ColValueNumber] = v.Number
	case TypeBoolean:
		cols[ColValueBool] = v.Bool
	case TypeLink:
		cols[ColValueLink] = v.Link
	case TypeJSON:
		cols[ColValueJSON] = string(v.JSON)
	}
	return cols
}

// BindAttributeValue resolves the value of a prepared attribute_values row
// against its definition's declared type and writes the typed columns. The
// value comes from the request-only "value" field when present, otherwise
// from the typed column matching dt. Any other typed column carrying data is
// a type mismatch.
func BindAttributeValue(row Row, dt DataType) error {
	target, ok := valueColumns[dt]
	if !ok {
		return fmt.Errorf("unknown data type %q", dt)
	}

	raw, fromValue := row[ValueField]
	delete(row, ValueField)

	if !fromValue {
		for t, col := range valueColumns {
			if t != dt && row[col] != nil {
				return fmt.Errorf("%s set for attribute of type %s", col, dt)
			}
		}
		raw = row[target]
		// value_json was already serialized by Prepare.
		if s, isStr := raw.(string); isStr && dt == TypeJSON {
			raw = json.RawMessage(s)
		}
	}

	v, err := DecodeValue(dt, raw)
	if err != nil {
		return err
	}
	for col, val := range v.Columns() {
		row[col] = val
	}
	return nil
}
