package sheetgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cell is a single raw value as returned by a tabular store: nil, string,
// float64, bool, or any other scalar the store produces.
type Cell = any

// Record is a decoded row. Values are string, float64, bool or []string.
type Record map[string]any

func (r Record) Key(schema *EntitySchema) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(cellString(r[schema.KeyField]))
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if arr, ok := v.([]string); ok {
			v = append([]string{}, arr...)
		}
		out[k] = v
	}
	return out
}

const arrayJoinDelimiter = ", "

// Decode converts one row into a record. Fields whose header is absent or
// whose cell is empty are omitted unless required.
func Decode(row []Cell, schema *EntitySchema, index HeaderIndex) (Record, error) {
	return decodeRow(row, schema, index, 0)
}

func decodeRow(row []Cell, schema *EntitySchema, index HeaderIndex, rowNum int) (Record, error) {
	rec := Record{}
	fail := func(field, reason string) error {
		return &ValidationError{
			Entity: schema.Name,
			Row:    rowNum,
			Key:    rawKey(row, schema, index),
			Field:  field,
			Reason: reason,
		}
	}
	for _, f := range schema.Fields {
		col, ok := index.Lookup(f.Header)
		if !ok {
			if schema.required(f) {
				return nil, fail(f.Name, fmt.Sprintf("column %q not found", f.Header))
			}
			continue
		}
		var cell Cell
		if col < len(row) {
			cell = row[col]
		}
		value, present, reason := coerceCell(f, cell)
		if reason != "" {
			return nil, fail(f.Name, reason)
		}
		if !present {
			if schema.required(f) {
				return nil, fail(f.Name, "required value is empty")
			}
			continue
		}
		rec[f.Name] = value
	}
	if rec.Key(schema) == "" {
		return nil, fail(schema.KeyField, "key is empty")
	}
	return rec, nil
}

// Encode converts a record into a row sized to the header index. Columns the
// schema does not own and fields absent from the record stay nil so stores
// leave the existing cell untouched.
func Encode(record Record, schema *EntitySchema, index HeaderIndex) []Cell {
	row := make([]Cell, index.Width())
	for _, f := range schema.Fields {
		col, ok := index.Lookup(f.Header)
		if !ok {
			continue
		}
		v, present := record[f.Name]
		if !present {
			continue
		}
		row[col] = encodeValue(v)
	}
	return row
}

func encodeValue(v any) Cell {
	switch t := v.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(t, arrayJoinDelimiter)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, cellString(item))
		}
		return strings.Join(parts, arrayJoinDelimiter)
	case string, float64, bool:
		return t
	default:
		return cellString(t)
	}
}

// DecodeRows decodes data rows (the rows below the header) of an entity
// range. Bad rows become diagnostics; the batch is never aborted.
func DecodeRows(rows [][]Cell, schema *EntitySchema, index HeaderIndex) ([]Record, []Diagnostic) {
	firstRow := 2
	if ref, err := ParseRange(schema.Range); err == nil {
		firstRow = ref.StartRow + 1
	}

	var diags []Diagnostic
	for _, f := range index.Missing(schema) {
		herr := &HeaderNotFoundError{Entity: schema.Name, Range: schema.Range, Headers: []string{f.Header}}
		diags = append(diags, Diagnostic{
			Entity:  schema.Name,
			Field:   f.Name,
			Kind:    DiagnosticMissingHeader,
			Message: herr.Error(),
		})
	}

	records := make([]Record, 0, len(rows))
	seen := make(map[string]int, len(rows))
	for i, row := range rows {
		if rowIsEmpty(row) {
			continue
		}
		rowNum := firstRow + i
		rec, err := decodeRow(row, schema, index, rowNum)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				diags = append(diags, Diagnostic{
					Entity:  schema.Name,
					Row:     rowNum,
					Key:     verr.Key,
					Field:   verr.Field,
					Kind:    DiagnosticValidation,
					Message: verr.Error(),
				})
			}
			continue
		}
		key := rec.Key(schema)
		if first, dup := seen[key]; dup {
			diags = append(diags, Diagnostic{
				Entity:  schema.Name,
				Row:     rowNum,
				Key:     key,
				Field:   schema.KeyField,
				Kind:    DiagnosticDuplicateKey,
				Message: fmt.Sprintf("%s row %d: key %q already used by row %d", schema.Name, rowNum, key, first),
			})
			continue
		}
		seen[key] = rowNum
		records = append(records, rec)
	}
	return records, diags
}

// NormalizeRecord coerces a caller-supplied record into canonical value
// types and validates it against the schema.
func NormalizeRecord(record Record, schema *EntitySchema) (Record, error) {
	out := Record{}
	key := strings.TrimSpace(cellString(record[schema.KeyField]))
	for name := range record {
		if _, ok := schema.Field(name); !ok {
			return nil, &ValidationError{Entity: schema.Name, Key: key, Field: name, Reason: "unknown field"}
		}
	}
	for _, f := range schema.Fields {
		raw, exists := record[f.Name]
		if !exists {
			if schema.required(f) {
				return nil, &ValidationError{Entity: schema.Name, Key: key, Field: f.Name, Reason: "required value is missing"}
			}
			continue
		}
		value, present, reason := coerceValue(f, raw)
		if reason != "" {
			return nil, &ValidationError{Entity: schema.Name, Key: key, Field: f.Name, Reason: reason}
		}
		if !present {
			if schema.required(f) {
				return nil, &ValidationError{Entity: schema.Name, Key: key, Field: f.Name, Reason: "required value is empty"}
			}
			out[f.Name] = nil
			continue
		}
		out[f.Name] = value
	}
	if out.Key(schema) == "" {
		return nil, &ValidationError{Entity: schema.Name, Field: schema.KeyField, Reason: "key is empty"}
	}
	return out, nil
}

func coerceValue(f Field, v any) (any, bool, string) {
	if f.Type == FieldStringArray {
		switch t := v.(type) {
		case []string:
			return cleanArray(t), true, ""
		case []any:
			items := make([]string, 0, len(t))
			for _, item := range t {
				items = append(items, cellString(item))
			}
			return cleanArray(items), true, ""
		}
	}
	if f.Type == FieldNumber {
		switch v.(type) {
		case string, nil, float64, float32, int, int64, int32, json.Number:
		default:
			return nil, false, fmt.Sprintf("expected number, got %T", v)
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			if _, parsed := parseNumber(s); !parsed {
				return nil, false, fmt.Sprintf("%q is not a number", s)
			}
		}
	}
	value, present, _ := coerceCell(f, v)
	return value, present, ""
}

// coerceCell applies the per-type conversion rules for raw cells. Unparsable
// numbers are reported as absent rather than as errors.
func coerceCell(f Field, cell Cell) (any, bool, string) {
	if f.Type == FieldStringArray {
		s := strings.TrimSpace(cellString(cell))
		if s == "" {
			return []string{}, !f.Required, ""
		}
		return splitArray(s), true, ""
	}
	if cellIsEmpty(cell) {
		return nil, false, ""
	}
	switch f.Type {
	case FieldNumber:
		switch t := cell.(type) {
		case float64:
			return t, true, ""
		case float32:
			return float64(t), true, ""
		case int:
			return float64(t), true, ""
		case int64:
			return float64(t), true, ""
		case int32:
			return float64(t), true, ""
		}
		n, ok := parseNumber(cellString(cell))
		if !ok {
			return nil, false, ""
		}
		return n, true, ""
	case FieldBoolean:
		if b, ok := cell.(bool); ok {
			return b, true, ""
		}
		switch strings.ToLower(strings.TrimSpace(cellString(cell))) {
		case "true", "yes", "1":
			return true, true, ""
		}
		return false, true, ""
	default:
		return strings.TrimSpace(cellString(cell)), true, ""
	}
}

func parseNumber(raw string) (float64, bool) {
	runes := []rune(raw)
	var b strings.Builder
	for i, r := range runes {
		switch {
		case isDigit(r), r == '.', r == '-', r == '+':
			b.WriteRune(r)
		case (r == 'e' || r == 'E') && isExponent(runes, i):
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isExponent reports whether the e at runes[i] sits between a digit and a
// (optionally signed) digit. Any other e belongs to a unit or currency code.
func isExponent(runes []rune, i int) bool {
	if i == 0 || !isDigit(runes[i-1]) || i+1 >= len(runes) {
		return false
	}
	next := runes[i+1]
	if next == '+' || next == '-' {
		return i+2 < len(runes) && isDigit(runes[i+2])
	}
	return isDigit(next)
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func splitArray(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' })
	return cleanArray(parts)
}

func cleanArray(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func cellString(c Cell) string {
	switch t := c.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func cellIsEmpty(c Cell) bool {
	return strings.TrimSpace(cellString(c)) == ""
}

func rowIsEmpty(row []Cell) bool {
	for _, c := range row {
		if !cellIsEmpty(c) {
			return false
		}
	}
	return true
}

func rawKey(row []Cell, schema *EntitySchema, index HeaderIndex) string {
	col, ok := index.Lookup(schema.KeyHeader())
	if !ok || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(cellString(row[col]))
}

// restoreRecordTypes repairs values that lost their Go type through a JSON
// round trip, such as string arrays decoded as []any.
func restoreRecordTypes(rec Record, schema *EntitySchema) Record {
	for _, f := range schema.Fields {
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		switch f.Type {
		case FieldStringArray:
			switch t := v.(type) {
			case []any:
				items := make([]string, 0, len(t))
				for _, item := range t {
					items = append(items, cellString(item))
				}
				rec[f.Name] = items
			case nil:
				rec[f.Name] = []string{}
			}
		case FieldNumber:
			if n, ok := v.(json.Number); ok {
				if parsed, err := n.Float64(); err == nil {
					rec[f.Name] = parsed
				}
			}
		}
	}
	return rec
}
