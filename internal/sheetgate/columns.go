package sheetgate

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// HeaderIndex maps normalized header labels to zero-based column offsets
// relative to the first column of a range.
type HeaderIndex struct {
	columns map[string]int
	width   int
}

// ResolveHeaders builds a HeaderIndex from the literal header row. Blank
// headers are skipped; duplicates resolve to the first occurrence.
func ResolveHeaders(headerRow []string) HeaderIndex {
	idx := HeaderIndex{columns: make(map[string]int, len(headerRow))}
	for i, raw := range headerRow {
		label := normalizeHeader(raw)
		if label == "" {
			continue
		}
		if _, exists := idx.columns[label]; exists {
			continue
		}
		idx.columns[label] = i
		if i+1 > idx.width {
			idx.width = i + 1
		}
	}
	return idx
}

func resolveHeaderCells(row []Cell) HeaderIndex {
	labels := make([]string, len(row))
	for i, c := range row {
		labels[i] = cellString(c)
	}
	return ResolveHeaders(labels)
}

func (h HeaderIndex) Lookup(label string) (int, bool) {
	if h.columns == nil {
		return 0, false
	}
	col, ok := h.columns[normalizeHeader(label)]
	return col, ok
}

// Width is one past the widest mapped column.
func (h HeaderIndex) Width() int {
	return h.width
}

func (h HeaderIndex) Len() int {
	return len(h.columns)
}

// Missing lists the schema fields whose header is absent.
func (h HeaderIndex) Missing(schema *EntitySchema) []Field {
	var missing []Field
	for _, f := range schema.Fields {
		if _, ok := h.Lookup(f.Header); !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

func normalizeHeader(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	label = norm.NFC.String(label)
	return strings.ToLower(cases.Fold().String(label))
}
