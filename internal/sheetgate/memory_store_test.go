package sheetgate

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestMemoryStoreBatchGetTrimsLikeHostedAPI(t *testing.T) {
	store := NewMemoryStore()
	store.SetSheet("crm", "Clients", [][]Cell{
		{"ID", "Name", ""},
		{"c1", "Acme", nil},
		{},
		{"", ""},
	})
	got, err := store.BatchGet(context.Background(), "crm", []string{"Clients!A1:C", "Clients!B2"})
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 value ranges, got %d", len(got))
	}
	if len(got[0].Values) != 2 || len(got[0].Values[0]) != 2 || len(got[0].Values[1]) != 2 {
		t.Fatalf("expected trailing empty cells and rows trimmed, got %v", got[0].Values)
	}
	if len(got[1].Values) != 1 || got[1].Values[0][0] != "Acme" {
		t.Fatalf("expected single cell range, got %v", got[1].Values)
	}
	if store.Calls(OpBatchGet) != 1 {
		t.Fatalf("expected one batch call, got %d", store.Calls(OpBatchGet))
	}
}

func TestMemoryStoreAppendUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.SetSheet("crm", "Clients", [][]Cell{
		{"ID", "Name"},
		{"c1", "Acme"},
		{},
		{nil, nil, nil, "notes beside the table"},
	})
	store.SetSheet("crm", "Projects", [][]Cell{{"Code"}})

	if err := store.Append(ctx, "crm", "Clients!A1:B", [][]Cell{{"c2", nil}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	rows := store.Rows("crm", "Clients")
	if rows[2][0] != "c2" || rows[2][1] != "" {
		t.Fatalf("expected appended row after last used row, got %v", rows[2])
	}
	if len(rows) != 5 || rows[4][3] != "notes beside the table" {
		t.Fatalf("expected rows outside the range columns to shift down, got %v", rows)
	}

	if err := store.UpdateRow(ctx, "crm", "Clients!A2:B2", []Cell{nil, "Acme Corp"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rows = store.Rows("crm", "Clients")
	if rows[1][0] != "c1" || rows[1][1] != "Acme Corp" {
		t.Fatalf("expected nil cells to be left untouched, got %v", rows[1])
	}

	meta, err := store.Metadata(ctx, "crm")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Sheets["Clients"] != 0 || meta.Sheets["Projects"] != 1 {
		t.Fatalf("unexpected sheet ids %v", meta.Sheets)
	}
	if err := store.DeleteRows(ctx, "crm", meta.Sheets["Clients"], 1, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows = store.Rows("crm", "Clients")
	if rows[1][0] != "c2" {
		t.Fatalf("expected rows to shift up after delete, got %v", rows)
	}
	if names := store.SheetNames("crm"); len(names) != 2 || names[0] != "Clients" {
		t.Fatalf("unexpected sheet names %v", names)
	}
}

func TestMemoryStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.SetSheet("crm", "Clients", [][]Cell{{"ID"}})

	var remote *RemoteError
	if _, err := store.BatchGet(ctx, "missing", []string{"Clients"}); !errors.As(err, &remote) || remote.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown source, got %v", err)
	}
	if _, err := store.BatchGet(ctx, "crm", []string{"Nope!A1"}); !errors.As(err, &remote) || remote.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown sheet, got %v", err)
	}
	if err := store.DeleteRows(ctx, "crm", 0, 3, 3); !errors.As(err, &remote) || remote.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty delete span, got %v", err)
	}

	queued := unavailable()
	store.FailNext(OpBatchGet, queued)
	if _, err := store.BatchGet(ctx, "crm", []string{"Clients"}); err != queued {
		t.Fatalf("expected queued failure, got %v", err)
	}
	if _, err := store.BatchGet(ctx, "crm", []string{"Clients"}); err != nil {
		t.Fatalf("expected queue to drain after one call, got %v", err)
	}
}
