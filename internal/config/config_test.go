package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/sheetgate/internal/sheetgate"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.CacheTTL != 5*time.Minute || cfg.RetryMaxAttempts != 3 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.WatchSchema || cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SHEETGATE_ADDR", ":9090")
	t.Setenv("SHEETGATE_CACHE_TTL", "90s")
	t.Setenv("SHEETGATE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("SHEETGATE_WATCH_SCHEMA", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.CacheTTL != 90*time.Second || cfg.WatchSchema {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if p := cfg.RetryPolicy(); p.MaxAttempts != 5 || p.BaseDelay != time.Second {
		t.Fatalf("unexpected retry policy %+v", p)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("SHEETGATE_RETRY_MAX_ATTEMPTS", "lots")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestResolveJournalDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"default", Config{}, ""},
		{"explicit wins", Config{JournalDSN: "memory://", BackendProfile: "production"}, "memory://"},
		{"memory profile", Config{BackendProfile: "memory"}, "memory://"},
		{"durable local", Config{BackendProfile: "durable-local", DataDir: "/var/lib/sg"}, "file://" + filepath.Join("/var/lib/sg", "journal.json")},
		{"sqlite", Config{BackendProfile: "sqlite", DataDir: "/var/lib/sg"}, "sqlite://" + filepath.Join("/var/lib/sg", "journal.db")},
		{"production", Config{BackendProfile: "prod", PostgresDSN: "postgres://db/sg"}, "postgres://db/sg"},
	}
	for _, tc := range tests {
		got, err := tc.cfg.ResolveJournalDSN()
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}

	if _, err := (Config{BackendProfile: "production"}).ResolveJournalDSN(); err == nil {
		t.Fatalf("expected production profile without a dsn to fail")
	}
	if _, err := (Config{BackendProfile: "cloud"}).ResolveJournalDSN(); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestBuildJournalAndStore(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{BackendProfile: "durable-local", DataDir: dir, StoreDSN: "xlsx://" + dir}
	journal, err := cfg.BuildJournal()
	if err != nil {
		t.Fatalf("build journal: %v", err)
	}
	if _, ok := journal.(*sheetgate.JSONFileJournal); !ok {
		t.Fatalf("expected file journal, got %T", journal)
	}
	store, err := cfg.BuildStore()
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	if _, ok := store.(*sheetgate.XLSXStore); !ok {
		t.Fatalf("expected xlsx store, got %T", store)
	}
}
