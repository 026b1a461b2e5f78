package sheetgate

import "testing"

func TestResolveHeadersNormalizesAndKeepsFirstDuplicate(t *testing.T) {
	idx := ResolveHeaders([]string{"  Client ID ", "NAME", "", "name", "Straße"})

	if col, ok := idx.Lookup("client id"); !ok || col != 0 {
		t.Fatalf("expected client id at 0, got %d ok=%v", col, ok)
	}
	if col, ok := idx.Lookup("Name"); !ok || col != 1 {
		t.Fatalf("expected first duplicate to win at 1, got %d ok=%v", col, ok)
	}
	if col, ok := idx.Lookup("STRASSE"); !ok || col != 4 {
		t.Fatalf("expected case-folded lookup to match column 4, got %d ok=%v", col, ok)
	}
	if _, ok := idx.Lookup(""); ok {
		t.Fatalf("expected blank header to be skipped")
	}
	if idx.Width() != 5 {
		t.Fatalf("expected width 5, got %d", idx.Width())
	}
}

func TestHeaderIndexMissingListsAbsentFields(t *testing.T) {
	schema := &EntitySchema{
		Name:     "clients",
		KeyField: "id",
		Fields: []Field{
			{Name: "id", Header: "Client ID"},
			{Name: "email", Header: "Email"},
		},
	}
	idx := ResolveHeaders([]string{"client id"})
	missing := idx.Missing(schema)
	if len(missing) != 1 || missing[0].Name != "email" {
		t.Fatalf("expected email to be missing, got %+v", missing)
	}
}

func TestEmptyHeaderIndex(t *testing.T) {
	var idx HeaderIndex
	if _, ok := idx.Lookup("anything"); ok {
		t.Fatalf("expected zero index to resolve nothing")
	}
	if idx.Width() != 0 {
		t.Fatalf("expected zero width, got %d", idx.Width())
	}
}
