package sheetgate

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

const (
	OpMetadata   = "metadata"
	OpBatchGet   = "batchGet"
	OpAppend     = "append"
	OpUpdateRow  = "updateRow"
	OpDeleteRows = "deleteRows"
)

type memorySheet struct {
	id   int64
	rows [][]Cell
}

type memorySource struct {
	title  string
	sheets map[string]*memorySheet
	nextID int64
}

// MemoryStore is an in-process TabularStore. Queued failures let tests
// exercise retry and error paths.
type MemoryStore struct {
	mu       sync.Mutex
	sources  map[string]*memorySource
	failures map[string][]error
	calls    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:  map[string]*memorySource{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

// SetSheet replaces the contents of a sheet, creating source and sheet as needed.
func (m *MemoryStore) SetSheet(sourceID, sheet string, rows [][]Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		src = &memorySource{title: sourceID, sheets: map[string]*memorySheet{}}
		m.sources[sourceID] = src
	}
	sh, ok := src.sheets[sheet]
	if !ok {
		sh = &memorySheet{id: src.nextID}
		src.nextID++
		src.sheets[sheet] = sh
	}
	sh.rows = cloneGrid(rows)
}

// Rows returns a copy of the sheet's full grid.
func (m *MemoryStore) Rows(sourceID, sheet string) [][]Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return nil
	}
	sh, ok := src.sheets[sheet]
	if !ok {
		return nil
	}
	return cloneGrid(sh.rows)
}

// FailNext queues errors returned by the next calls to op, one per call.
func (m *MemoryStore) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryStore) begin(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *MemoryStore) source(op, sourceID string) (*memorySource, error) {
	src, ok := m.sources[sourceID]
	if !ok {
		return nil, &RemoteError{Op: op, StatusCode: http.StatusNotFound, Status: "NOT_FOUND", Message: fmt.Sprintf("source %s not found", sourceID)}
	}
	return src, nil
}

func (m *MemoryStore) sheet(op, sourceID, rng string) (*memorySheet, RangeRef, error) {
	src, err := m.source(op, sourceID)
	if err != nil {
		return nil, RangeRef{}, err
	}
	ref, err := ParseRange(rng)
	if err != nil {
		return nil, RangeRef{}, &RemoteError{Op: op, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: err.Error()}
	}
	sh, ok := src.sheets[ref.Sheet]
	if !ok {
		return nil, RangeRef{}, &RemoteError{Op: op, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: fmt.Sprintf("unable to parse range: %s", rng)}
	}
	return sh, ref, nil
}

func (m *MemoryStore) Metadata(ctx context.Context, sourceID string) (SourceMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpMetadata); err != nil {
		return SourceMetadata{}, err
	}
	src, err := m.source(OpMetadata, sourceID)
	if err != nil {
		return SourceMetadata{}, err
	}
	meta := SourceMetadata{SourceID: sourceID, Title: src.title, Sheets: map[string]int64{}}
	for name, sh := range src.sheets {
		meta.Sheets[name] = sh.id
	}
	return meta, nil
}

func (m *MemoryStore) BatchGet(ctx context.Context, sourceID string, ranges []string) ([]ValueRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpBatchGet); err != nil {
		return nil, err
	}
	out := make([]ValueRange, 0, len(ranges))
	for _, rng := range ranges {
		sh, ref, err := m.sheet(OpBatchGet, sourceID, rng)
		if err != nil {
			return nil, err
		}
		out = append(out, ValueRange{Range: ref.String(), Values: sliceGrid(sh.rows, ref)})
	}
	return out, nil
}

func (m *MemoryStore) Append(ctx context.Context, sourceID, rng string, rows [][]Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpAppend); err != nil {
		return err
	}
	sh, ref, err := m.sheet(OpAppend, sourceID, rng)
	if err != nil {
		return err
	}
	at := lastUsedRow(sh.rows, ref) + 1
	if at < ref.StartRow-1 {
		at = ref.StartRow - 1
	}
	for len(sh.rows) < at {
		sh.rows = append(sh.rows, nil)
	}
	inserted := make([][]Cell, 0, len(rows))
	for _, row := range rows {
		line := make([]Cell, ref.StartCol-1+len(row))
		for i, c := range row {
			if c == nil {
				c = ""
			}
			line[ref.StartCol-1+i] = c
		}
		inserted = append(inserted, line)
	}
	tail := append([][]Cell{}, sh.rows[at:]...)
	sh.rows = append(append(sh.rows[:at], inserted...), tail...)
	return nil
}

func (m *MemoryStore) UpdateRow(ctx context.Context, sourceID, rng string, row []Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpUpdateRow); err != nil {
		return err
	}
	sh, ref, err := m.sheet(OpUpdateRow, sourceID, rng)
	if err != nil {
		return err
	}
	r := ref.StartRow - 1
	for len(sh.rows) <= r {
		sh.rows = append(sh.rows, nil)
	}
	line := sh.rows[r]
	for i, c := range row {
		if c == nil {
			continue
		}
		col := ref.StartCol - 1 + i
		for len(line) <= col {
			line = append(line, nil)
		}
		line[col] = c
	}
	sh.rows[r] = line
	return nil
}

func (m *MemoryStore) DeleteRows(ctx context.Context, sourceID string, sheetID int64, start, end int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpDeleteRows); err != nil {
		return err
	}
	src, err := m.source(OpDeleteRows, sourceID)
	if err != nil {
		return err
	}
	var target *memorySheet
	for _, sh := range src.sheets {
		if sh.id == sheetID {
			target = sh
		}
	}
	if target == nil {
		return &RemoteError{Op: OpDeleteRows, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: fmt.Sprintf("no sheet with id %d", sheetID)}
	}
	if start < 0 || end <= start {
		return &RemoteError{Op: OpDeleteRows, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: fmt.Sprintf("invalid row bounds [%d,%d)", start, end)}
	}
	if start >= len(target.rows) {
		return nil
	}
	if end > len(target.rows) {
		end = len(target.rows)
	}
	target.rows = append(target.rows[:start], target.rows[end:]...)
	return nil
}

// SheetNames lists the sheets of a source, sorted.
func (m *MemoryStore) SheetNames(sourceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(src.sheets))
	for name := range src.sheets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sliceGrid cuts ref out of a full sheet grid and trims trailing empty cells
// and rows the way the hosted API does.
func sliceGrid(rows [][]Cell, ref RangeRef) [][]Cell {
	startRow := ref.StartRow - 1
	endRow := len(rows)
	if ref.EndRow > 0 && ref.EndRow < endRow {
		endRow = ref.EndRow
	}
	var out [][]Cell
	for r := startRow; r < endRow; r++ {
		row := rows[r]
		startCol := ref.StartCol - 1
		endCol := len(row)
		if ref.EndCol > 0 && ref.EndCol < endCol {
			endCol = ref.EndCol
		}
		var line []Cell
		if startCol < endCol {
			line = append([]Cell{}, row[startCol:endCol]...)
		}
		out = append(out, trimRow(line))
	}
	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}
	return out
}

func trimRow(row []Cell) []Cell {
	n := len(row)
	for n > 0 && cellIsEmpty(row[n-1]) {
		n--
	}
	if n == 0 {
		return []Cell{}
	}
	return row[:n]
}

func lastUsedRow(rows [][]Cell, ref RangeRef) int {
	for r := len(rows) - 1; r >= 0; r-- {
		row := rows[r]
		start := ref.StartCol - 1
		end := len(row)
		if ref.EndCol > 0 && ref.EndCol < end {
			end = ref.EndCol
		}
		if start < end && !rowIsEmpty(row[start:end]) {
			return r
		}
	}
	return -1
}

func cloneGrid(rows [][]Cell) [][]Cell {
	out := make([][]Cell, len(rows))
	for i, row := range rows {
		out[i] = append([]Cell(nil), row...)
	}
	return out
}
