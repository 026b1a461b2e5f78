package main

import (
	"testing"
	"time"
)

func TestJitteredIntervalBounds(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		ratio, sample float64
		want          time.Duration
	}{
		{0.2, 0, 8 * time.Second},
		{0.2, 0.5, 10 * time.Second},
		{0.2, 1, 12 * time.Second},
		{0, 0.9, 10 * time.Second},
		{5, 1, 20 * time.Second},
		{1, 0, time.Millisecond},
	}
	for _, tc := range cases {
		if got := jitteredInterval(base, tc.ratio, tc.sample); got != tc.want {
			t.Fatalf("ratio=%v sample=%v: expected %s, got %s", tc.ratio, tc.sample, tc.want, got)
		}
	}
	if got := jitteredInterval(0, 0.5, 0.5); got != 0 {
		t.Fatalf("expected 0 for non-positive base, got %s", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" clients, ,projects ,")
	if len(got) != 2 || got[0] != "clients" || got[1] != "projects" {
		t.Fatalf("unexpected split %v", got)
	}
	if got := splitList(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("SHEETGATE_TEST_DURATION", "150ms")
	if got := durationEnv("SHEETGATE_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	t.Setenv("SHEETGATE_TEST_DURATION_BAD", "soon")
	if got := durationEnv("SHEETGATE_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
	t.Setenv("SHEETGATE_TEST_FLOAT", "0.35")
	if got := floatEnv("SHEETGATE_TEST_FLOAT", 0.2); got != 0.35 {
		t.Fatalf("expected 0.35, got %v", got)
	}
	t.Setenv("SHEETGATE_TEST_FLOAT_BAD", "lots")
	if got := floatEnv("SHEETGATE_TEST_FLOAT_BAD", 0.2); got != 0.2 {
		t.Fatalf("expected fallback 0.2, got %v", got)
	}
	t.Setenv("SHEETGATE_TEST_URL", "  ")
	if got := envOrDefault("SHEETGATE_TEST_URL", "http://x"); got != "http://x" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
}
