package sheetgate

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

func newTestXLSXStore(t *testing.T) *XLSXStore {
	t.Helper()
	store, err := NewXLSXStore(t.TempDir())
	if err != nil {
		t.Fatalf("new xlsx store: %v", err)
	}
	err = store.CreateSource("crm", map[string][][]Cell{
		"Clients": {
			{"Client ID", "Name", "Revenue"},
			{"c1", "Acme", 1200.5},
			{"c2", "Globex", 300},
		},
		"Projects": {{"Code", "Client ID"}},
	})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	return store
}

func TestXLSXStoreReadsRanges(t *testing.T) {
	store := newTestXLSXStore(t)
	got, err := store.BatchGet(context.Background(), "crm", []string{"Clients!A1:C", "Projects"})
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(got[0].Values) != 3 || got[0].Values[1][1] != "Acme" {
		t.Fatalf("unexpected clients grid %v", got[0].Values)
	}
	if rev := cellString(got[0].Values[1][2]); rev != "1200.5" {
		t.Fatalf("expected revenue cell 1200.5, got %q", rev)
	}
	if len(got[1].Values) != 1 {
		t.Fatalf("expected header-only projects grid, got %v", got[1].Values)
	}

	meta, err := store.Metadata(context.Background(), "crm")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if _, ok := meta.Sheets["Clients"]; !ok {
		t.Fatalf("expected Clients sheet in metadata, got %v", meta.Sheets)
	}
	if _, ok := meta.Sheets["Sheet1"]; ok {
		t.Fatalf("expected default sheet to be removed, got %v", meta.Sheets)
	}
}

func TestXLSXStoreMutations(t *testing.T) {
	ctx := context.Background()
	store := newTestXLSXStore(t)

	if err := store.Append(ctx, "crm", "Clients!A1:C", [][]Cell{{"c3", "Initech", 50.0}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.UpdateRow(ctx, "crm", "Clients!A2:C2", []Cell{nil, "Acme Corp", nil}); err != nil {
		t.Fatalf("update: %v", err)
	}
	meta, err := store.Metadata(ctx, "crm")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if err := store.DeleteRows(ctx, "crm", meta.Sheets["Clients"], 2, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}

	f, err := excelize.OpenFile(store.dir + "/crm.xlsx")
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Clients")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows after append and delete, got %v", rows)
	}
	if rows[1][0] != "c1" || rows[1][1] != "Acme Corp" || rows[1][2] != "1200.5" {
		t.Fatalf("expected partial update to keep other cells, got %v", rows[1])
	}
	if rows[2][0] != "c3" {
		t.Fatalf("expected appended row to follow c1 after deleting c2, got %v", rows[2])
	}
}

func TestXLSXStoreErrors(t *testing.T) {
	store := newTestXLSXStore(t)
	var remote *RemoteError
	if _, err := store.BatchGet(context.Background(), "absent", []string{"Clients"}); !errors.As(err, &remote) || remote.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing workbook, got %v", err)
	}
	if _, err := store.BatchGet(context.Background(), "../crm", []string{"Clients"}); !errors.As(err, &remote) || remote.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for path-like source id, got %v", err)
	}
	if _, err := store.BatchGet(context.Background(), "crm", []string{"Nope!A1"}); !errors.As(err, &remote) || remote.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown sheet, got %v", err)
	}
}

func TestXLSXStoreCorruptWorkbookIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	store, err := NewXLSXStore(dir)
	if err != nil {
		t.Fatalf("new xlsx store: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "crm.xlsx"), []byte("not a workbook"), 0o644); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	_, err = store.BatchGet(context.Background(), "crm", []string{"Clients!A1:F"})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Status != StatusLocalIO {
		t.Fatalf("expected local io error, got %v", err)
	}
	if IsTransient(err) || !IsFatal(err) {
		t.Fatalf("expected local workbook failure to be fatal, got transient=%v fatal=%v", IsTransient(err), IsFatal(err))
	}

	sleeps := 0
	g, _ := newTestGateway(t, func(o *Options) {
		o.Store = store
		o.Sleep = func(context.Context, time.Duration) error {
			sleeps++
			return nil
		}
	})
	if _, err := g.FetchBatch(context.Background(), "crm", []string{"clients"}); !IsFatal(err) {
		t.Fatalf("expected fatal fetch error, got %v", err)
	}
	if sleeps != 0 {
		t.Fatalf("expected no retry backoff for a local failure, got %d sleeps", sleeps)
	}
}
