package sheetgate

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestVolatileCacheExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewVolatileCache(time.Minute, clock.Now)
	cache.Put("crm|clients", BatchResult{SourceID: "crm", Checksum: "abc"})

	clock.Advance(59 * time.Second)
	if got, ok := cache.Get("crm|clients"); !ok || got.Checksum != "abc" {
		t.Fatalf("expected cached entry before ttl, got ok=%v %+v", ok, got)
	}
	clock.Advance(time.Second)
	if _, ok := cache.Get("crm|clients"); ok {
		t.Fatalf("expected entry to expire at ttl")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted, len=%d", cache.Len())
	}
}

func TestVolatileCacheReturnsCopies(t *testing.T) {
	cache := NewVolatileCache(0, nil)
	original := BatchResult{Entities: map[string][]Record{"clients": {{"id": "c1"}}}}
	cache.Put("sig", original)
	original.Entities["clients"][0]["id"] = "changed"

	got, _ := cache.Get("sig")
	if got.Entities["clients"][0]["id"] != "c1" {
		t.Fatalf("expected cache to hold its own copy, got %v", got.Entities["clients"][0]["id"])
	}
	got.Entities["clients"][0]["id"] = "mutated"
	again, _ := cache.Get("sig")
	if again.Entities["clients"][0]["id"] != "c1" {
		t.Fatalf("expected callers not to mutate cached entries")
	}

	cache.Clear()
	if _, ok := cache.Get("sig"); ok {
		t.Fatalf("expected clear to drop entries")
	}
}

func TestBatchSignatureIgnoresOrderAndDuplicates(t *testing.T) {
	a := BatchSignature("crm", []string{"projects", "clients"})
	b := BatchSignature("crm", []string{" clients", "projects", "clients", ""})
	if a != b {
		t.Fatalf("expected equal signatures, got %q and %q", a, b)
	}
	if a != "crm|clients,projects" {
		t.Fatalf("unexpected signature %q", a)
	}
	if BatchSignature("billing", []string{"clients"}) == BatchSignature("crm", []string{"clients"}) {
		t.Fatalf("expected source to be part of the signature")
	}
}
