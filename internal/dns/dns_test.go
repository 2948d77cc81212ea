package dns

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestGetCacheEntry(t *testing.T) {
	t.Parallel()

	// test expire
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dns := NewCachedDNSResolver(context.Background(), "8.8.8.8:53", 1*time.Second, 10*time.Second, 1*time.Microsecond, logger)
	dns.updateCache("1.1.1.1", []string{"asdf.com", "ghjkl.com"})
	time.Sleep(1 * time.Microsecond)
	res := dns.getCacheEntry("1.1.1.1")
	if res != nil {
		t.Fatalf("cache not expired: %v", res)
	}

	dns = NewCachedDNSResolver(context.Background(), "8.8.8.8:53", 1*time.Second, 10*time.Second, 1*time.Hour, logger)
	dns.updateCache("1.1.1.1", []string{"asdf.com", "ghjkl.com"})
	res = dns.getCacheEntry("1.1.1.1")
	if res == nil {
		t.Fatal("cache expired and should not be")
	}
	if len(res) != 2 {
		t.Fatalf("wrong cache size returned: %d", len(res))
	}
	if res[0] != "asdf.com" && res[1] != "ghjkl.com" {
		t.Fatalf("wrong domains returned, got %v", res)
	}
}

func TestNegativeCache(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// the resolver points at a closed port so an actual lookup errors out
	dns := NewCachedDNSResolver(context.Background(), "127.0.0.1:1", 10*time.Millisecond, 100*time.Millisecond, 1*time.Hour, logger)

	if _, err := dns.CachedDNSLookup("192.0.2.1"); err == nil {
		t.Fatal("expected the lookup to fail")
	}

	// the failure must be cached as an empty entry so the ip is not
	// resolved again
	cached := dns.getCacheEntry("192.0.2.1")
	if cached == nil {
		t.Fatal("failed lookup was not cached")
	}
	if len(cached) != 0 {
		t.Fatalf("expected an empty entry, got %v", cached)
	}

	res, err := dns.CachedDNSLookup("192.0.2.1")
	if err != nil {
		t.Fatalf("cached entry not used: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("expected no domains, got %v", res)
	}
}
