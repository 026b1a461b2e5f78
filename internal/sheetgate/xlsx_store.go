package sheetgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"
)

// XLSXStore serves each source from <dir>/<source>.xlsx. Sheet ids are the
// workbook's sheet indexes.
type XLSXStore struct {
	mu  sync.Mutex
	dir string
}

func NewXLSXStore(dir string) (*XLSXStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: xlsx directory is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &XLSXStore{dir: dir}, nil
}

func (s *XLSXStore) path(op, sourceID string) (string, error) {
	if sourceID == "" || strings.ContainsAny(sourceID, `/\`) || sourceID == "." || sourceID == ".." {
		return "", &RemoteError{Op: op, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: fmt.Sprintf("invalid source id %q", sourceID)}
	}
	return filepath.Join(s.dir, sourceID+".xlsx"), nil
}

func (s *XLSXStore) open(op, sourceID string) (*excelize.File, error) {
	path, err := s.path(op, sourceID)
	if err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &RemoteError{Op: op, StatusCode: http.StatusNotFound, Status: "NOT_FOUND", Message: fmt.Sprintf("source %s not found", sourceID)}
		}
		return nil, internalRemote(op, err)
	}
	return f, nil
}

func (s *XLSXStore) resolveSheet(op string, f *excelize.File, rng string) (RangeRef, error) {
	ref, err := ParseRange(rng)
	if err != nil {
		return RangeRef{}, &RemoteError{Op: op, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: err.Error()}
	}
	if idx, err := f.GetSheetIndex(ref.Sheet); err != nil || idx < 0 {
		return RangeRef{}, &RemoteError{Op: op, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: fmt.Sprintf("unable to parse range: %s", rng)}
	}
	return ref, nil
}

func (s *XLSXStore) Metadata(ctx context.Context, sourceID string) (SourceMetadata, error) {
	if err := ctx.Err(); err != nil {
		return SourceMetadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(OpMetadata, sourceID)
	if err != nil {
		return SourceMetadata{}, err
	}
	defer f.Close()
	meta := SourceMetadata{SourceID: sourceID, Title: sourceID, Sheets: map[string]int64{}}
	for _, name := range f.GetSheetList() {
		idx, err := f.GetSheetIndex(name)
		if err != nil {
			return SourceMetadata{}, internalRemote(OpMetadata, err)
		}
		meta.Sheets[name] = int64(idx)
	}
	return meta, nil
}

func (s *XLSXStore) BatchGet(ctx context.Context, sourceID string, ranges []string) ([]ValueRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(OpBatchGet, sourceID)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := make([]ValueRange, 0, len(ranges))
	for _, rng := range ranges {
		ref, err := s.resolveSheet(OpBatchGet, f, rng)
		if err != nil {
			return nil, err
		}
		grid, err := sheetGrid(f, ref.Sheet)
		if err != nil {
			return nil, internalRemote(OpBatchGet, err)
		}
		out = append(out, ValueRange{Range: ref.String(), Values: sliceGrid(grid, ref)})
	}
	return out, nil
}

func (s *XLSXStore) Append(ctx context.Context, sourceID, rng string, rows [][]Cell) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(OpAppend, sourceID)
	if err != nil {
		return err
	}
	defer f.Close()
	ref, err := s.resolveSheet(OpAppend, f, rng)
	if err != nil {
		return err
	}
	grid, err := sheetGrid(f, ref.Sheet)
	if err != nil {
		return internalRemote(OpAppend, err)
	}
	at := lastUsedRow(grid, ref) + 1
	if at < ref.StartRow-1 {
		at = ref.StartRow - 1
	}
	// 1-based row of the first appended line.
	first := at + 1
	if at < len(grid) && len(rows) > 0 {
		if err := f.InsertRows(ref.Sheet, first, len(rows)); err != nil {
			return internalRemote(OpAppend, err)
		}
	}
	for i, row := range rows {
		if err := writeCells(f, ref.Sheet, ref.StartCol, first+i, row); err != nil {
			return internalRemote(OpAppend, err)
		}
	}
	if err := f.Save(); err != nil {
		return internalRemote(OpAppend, err)
	}
	return nil
}

func (s *XLSXStore) UpdateRow(ctx context.Context, sourceID, rng string, row []Cell) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(OpUpdateRow, sourceID)
	if err != nil {
		return err
	}
	defer f.Close()
	ref, err := s.resolveSheet(OpUpdateRow, f, rng)
	if err != nil {
		return err
	}
	if err := writeCells(f, ref.Sheet, ref.StartCol, ref.StartRow, row); err != nil {
		return internalRemote(OpUpdateRow, err)
	}
	if err := f.Save(); err != nil {
		return internalRemote(OpUpdateRow, err)
	}
	return nil
}

func (s *XLSXStore) DeleteRows(ctx context.Context, sourceID string, sheetID int64, start, end int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if start < 0 || end <= start {
		return &RemoteError{Op: OpDeleteRows, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: fmt.Sprintf("invalid row bounds [%d,%d)", start, end)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(OpDeleteRows, sourceID)
	if err != nil {
		return err
	}
	defer f.Close()
	sheet := ""
	for _, name := range f.GetSheetList() {
		if idx, err := f.GetSheetIndex(name); err == nil && int64(idx) == sheetID {
			sheet = name
			break
		}
	}
	if sheet == "" {
		return &RemoteError{Op: OpDeleteRows, StatusCode: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: fmt.Sprintf("no sheet with id %d", sheetID)}
	}
	// RemoveRow shifts rows up, so removing at the same index repeatedly
	// deletes the whole span.
	for i := start; i < end; i++ {
		if err := f.RemoveRow(sheet, start+1); err != nil {
			return internalRemote(OpDeleteRows, err)
		}
	}
	if err := f.Save(); err != nil {
		return internalRemote(OpDeleteRows, err)
	}
	return nil
}

// CreateSource writes a new workbook for sourceID with the given sheets,
// replacing any existing file.
func (s *XLSXStore) CreateSource(sourceID string, sheets map[string][][]Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.path("create", sourceID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(sheets))
	for name := range sheets {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("%w: at least one sheet is required", ErrInvalidInput)
	}

	f := excelize.NewFile()
	defer f.Close()
	defaultSheet := f.GetSheetName(0)
	for _, name := range names {
		if name != defaultSheet {
			if _, err := f.NewSheet(name); err != nil {
				return err
			}
		}
		for r, row := range sheets[name] {
			if err := writeCells(f, name, 1, r+1, row); err != nil {
				return err
			}
		}
	}
	if !containsString(names, defaultSheet) {
		if err := f.DeleteSheet(defaultSheet); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

func sheetGrid(f *excelize.File, sheet string) ([][]Cell, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	grid := make([][]Cell, len(rows))
	for i, row := range rows {
		line := make([]Cell, len(row))
		for j, v := range row {
			line[j] = v
		}
		grid[i] = line
	}
	return grid, nil
}

// writeCells writes non-nil cells of row starting at (startCol, rowNum).
func writeCells(f *excelize.File, sheet string, startCol, rowNum int, row []Cell) error {
	for i, c := range row {
		if c == nil {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(startCol+i, rowNum)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, c); err != nil {
			return err
		}
	}
	return nil
}

// internalRemote wraps a workbook I/O failure. Local failures repeat on
// retry, so they carry StatusLocalIO and are never retried.
func internalRemote(op string, err error) error {
	return &RemoteError{Op: op, StatusCode: http.StatusInternalServerError, Status: StatusLocalIO, Message: err.Error()}
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
