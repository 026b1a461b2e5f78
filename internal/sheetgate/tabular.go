package sheetgate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// TabularStore is the remote service holding the sheets. Implementations
// return *RemoteError for failed calls and do not retry internally.
type TabularStore interface {
	Metadata(ctx context.Context, sourceID string) (SourceMetadata, error)
	BatchGet(ctx context.Context, sourceID string, ranges []string) ([]ValueRange, error)
	Append(ctx context.Context, sourceID, rng string, rows [][]Cell) error
	UpdateRow(ctx context.Context, sourceID, rng string, row []Cell) error
	// DeleteRows removes rows [start, end) using zero-based indexes.
	DeleteRows(ctx context.Context, sourceID string, sheetID int64, start, end int) error
}

type SourceMetadata struct {
	SourceID string           `json:"sourceId"`
	Title    string           `json:"title,omitempty"`
	Sheets   map[string]int64 `json:"sheets"`
}

type ValueRange struct {
	Range  string   `json:"range"`
	Values [][]Cell `json:"values"`
}

// RangeRef is a parsed A1 range. Columns and rows are one-based; zero end
// values mean the range is open in that direction.
type RangeRef struct {
	Sheet    string
	StartCol int
	StartRow int
	EndCol   int
	EndRow   int
}

var cellRefPattern = regexp.MustCompile(`^([A-Za-z]*)(\d*)$`)

// ParseRange parses "Sheet!A1:H", "'My Sheet'!B2:F20" or a bare sheet name.
func ParseRange(raw string) (RangeRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RangeRef{}, fmt.Errorf("%w: empty range", ErrInvalidInput)
	}
	sheet, addr := raw, ""
	if strings.HasPrefix(raw, "'") {
		end := strings.Index(raw[1:], "'!")
		if end < 0 {
			if !strings.HasSuffix(raw, "'") || len(raw) < 2 {
				return RangeRef{}, fmt.Errorf("%w: unterminated sheet name in %q", ErrInvalidInput, raw)
			}
			sheet = raw[1 : len(raw)-1]
		} else {
			sheet = raw[1 : end+1]
			addr = raw[end+3:]
		}
		sheet = strings.ReplaceAll(sheet, "''", "'")
	} else if i := strings.LastIndex(raw, "!"); i >= 0 {
		sheet, addr = raw[:i], raw[i+1:]
	}
	if strings.TrimSpace(sheet) == "" {
		return RangeRef{}, fmt.Errorf("%w: range %q has no sheet", ErrInvalidInput, raw)
	}
	ref := RangeRef{Sheet: sheet, StartCol: 1, StartRow: 1}
	if addr == "" {
		return ref, nil
	}
	from, to, hasTo := strings.Cut(addr, ":")
	startCol, startRow, err := parseCellRef(from)
	if err != nil {
		return RangeRef{}, fmt.Errorf("range %q: %w", raw, err)
	}
	if startCol > 0 {
		ref.StartCol = startCol
	}
	if startRow > 0 {
		ref.StartRow = startRow
	}
	if !hasTo {
		ref.EndCol, ref.EndRow = startCol, startRow
		return ref, nil
	}
	ref.EndCol, ref.EndRow, err = parseCellRef(to)
	if err != nil {
		return RangeRef{}, fmt.Errorf("range %q: %w", raw, err)
	}
	if ref.EndCol > 0 && ref.EndCol < ref.StartCol {
		return RangeRef{}, fmt.Errorf("%w: range %q ends before it starts", ErrInvalidInput, raw)
	}
	if ref.EndRow > 0 && ref.EndRow < ref.StartRow {
		return RangeRef{}, fmt.Errorf("%w: range %q ends before it starts", ErrInvalidInput, raw)
	}
	return ref, nil
}

func parseCellRef(s string) (col, row int, err error) {
	m := cellRefPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, 0, fmt.Errorf("%w: bad cell reference %q", ErrInvalidInput, s)
	}
	if m[1] != "" {
		col, err = excelize.ColumnNameToNumber(m[1])
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if m[2] != "" {
		row, err = strconv.Atoi(m[2])
		if err != nil || row < 1 {
			return 0, 0, fmt.Errorf("%w: bad row in %q", ErrInvalidInput, s)
		}
	}
	return col, row, nil
}

func (r RangeRef) quotedSheet() string {
	for _, ch := range r.Sheet {
		if !(ch == '_' || ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z') {
			return "'" + strings.ReplaceAll(r.Sheet, "'", "''") + "'"
		}
	}
	return r.Sheet
}

func (r RangeRef) String() string {
	endCol := r.EndCol
	if endCol == 0 {
		endCol = r.StartCol + maxOpenColumns - 1
	}
	end := columnName(endCol)
	if r.EndRow > 0 {
		end += strconv.Itoa(r.EndRow)
	}
	return r.quotedSheet() + "!" + columnName(r.StartCol) + strconv.Itoa(r.StartRow) + ":" + end
}

// maxOpenColumns bounds ranges whose end column is open.
const maxOpenColumns = 256

// RowRange addresses a single sheet row, width columns wide, starting at the
// range's first column.
func (r RangeRef) RowRange(sheetRow, width int) string {
	if width < 1 {
		width = 1
	}
	start := columnName(r.StartCol) + strconv.Itoa(sheetRow)
	end := columnName(r.StartCol+width-1) + strconv.Itoa(sheetRow)
	return r.quotedSheet() + "!" + start + ":" + end
}

// ColumnRange addresses one column (offset from the range's first column)
// from the header row down.
func (r RangeRef) ColumnRange(offset int) string {
	col := columnName(r.StartCol + offset)
	end := col
	if r.EndRow > 0 {
		end += strconv.Itoa(r.EndRow)
	}
	return r.quotedSheet() + "!" + col + strconv.Itoa(r.StartRow) + ":" + end
}

// HeaderRange addresses the header row only.
func (r RangeRef) HeaderRange() string {
	width := maxOpenColumns
	if r.EndCol > 0 {
		width = r.EndCol - r.StartCol + 1
	}
	return r.RowRange(r.StartRow, width)
}

func columnName(n int) string {
	if n < 1 {
		return ""
	}
	name, err := excelize.ColumnNumberToName(n)
	if err != nil {
		return ""
	}
	return name
}
