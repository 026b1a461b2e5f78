package sheetgate

import (
	"errors"
	"testing"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in   string
		want RangeRef
	}{
		{"Clients!A1:H", RangeRef{Sheet: "Clients", StartCol: 1, StartRow: 1, EndCol: 8}},
		{"Clients", RangeRef{Sheet: "Clients", StartCol: 1, StartRow: 1}},
		{"'Q1 Sales'!B3:D20", RangeRef{Sheet: "Q1 Sales", StartCol: 2, StartRow: 3, EndCol: 4, EndRow: 20}},
		{"'It''s'!A:C", RangeRef{Sheet: "It's", StartCol: 1, StartRow: 1, EndCol: 3}},
		{"'Whole Sheet'", RangeRef{Sheet: "Whole Sheet", StartCol: 1, StartRow: 1}},
	}
	for _, tc := range tests {
		got, err := ParseRange(tc.in)
		if err != nil {
			t.Fatalf("parse %q failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: expected %+v, got %+v", tc.in, tc.want, got)
		}
	}
}

func TestParseRangeRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "!A1", "Sheet!1A", "Sheet!C1:A1", "'open"} {
		if _, err := ParseRange(in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", in, err)
		}
	}
}

func TestRangeRefAddresses(t *testing.T) {
	ref, err := ParseRange("'Q1 Sales'!B2:E")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := ref.RowRange(7, 3); got != "'Q1 Sales'!B7:D7" {
		t.Fatalf("unexpected row range %q", got)
	}
	if got := ref.ColumnRange(1); got != "'Q1 Sales'!C2:C" {
		t.Fatalf("unexpected column range %q", got)
	}
	if got := ref.HeaderRange(); got != "'Q1 Sales'!B2:E2" {
		t.Fatalf("unexpected header range %q", got)
	}
	if got := ref.String(); got != "'Q1 Sales'!B2:E" {
		t.Fatalf("unexpected string form %q", got)
	}
}
