package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_FreshHitAndMiss(t *testing.T) {
	cache := NewAuthCache(time.Minute)
	cache.Set("pgk_abc12345", &Client{ClientID: "cli_1"})

	r := cache.Get("pgk_abc12345")
	if !r.Hit || r.NeedsRefresh {
		t.Fatalf("expected fresh hit, got %+v", r)
	}
	if r.Client.ClientID != "cli_1" {
		t.Errorf("expected cli_1, got %s", r.Client.ClientID)
	}

	if r := cache.Get("pgk_other123"); r != (GetResult{}) {
		t.Errorf("expected zero result on miss, got %+v", r)
	}
}

func TestCache_StaleHit_SignalsRefreshOnce(t *testing.T) {
	cache := NewAuthCache(time.Millisecond)
	cache.Set("pgk_abc12345", &Client{ClientID: "cli_1"})
	time.Sleep(5 * time.Millisecond)

	first := cache.Get("pgk_abc12345")
	if !first.Hit || !first.NeedsRefresh {
		t.Fatalf("first stale read should hit and signal refresh, got %+v", first)
	}
	second := cache.Get("pgk_abc12345")
	if !second.Hit || second.NeedsRefresh {
		t.Fatalf("second stale read should hit without refresh, got %+v", second)
	}
	if second.Client.ClientID != "cli_1" {
		t.Error("stale reads still return the client")
	}
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	cache := NewAuthCache(50 * time.Millisecond)
	cache.Set("pgk_abc12345", &Client{ClientID: "cli_1"})
	time.Sleep(60 * time.Millisecond)

	if r := cache.Get("pgk_abc12345"); !r.NeedsRefresh {
		t.Fatal("expected refresh signal")
	}
	cache.Set("pgk_abc12345", &Client{ClientID: "cli_1", Name: "renamed"})

	r := cache.Get("pgk_abc12345")
	if !r.Hit || r.NeedsRefresh {
		t.Fatalf("expected fresh entry after Set, got %+v", r)
	}
	if r.Client.Name != "renamed" {
		t.Errorf("expected refreshed client, got %s", r.Client.Name)
	}
}

func TestCache_Delete(t *testing.T) {
	cache := NewAuthCache(time.Minute)
	cache.Set("pgk_abc12345", &Client{ClientID: "cli_1"})
	cache.Delete("pgk_abc12345")

	if cache.Get("pgk_abc12345").Hit {
		t.Error("expected miss after delete")
	}
}

func TestCache_KeyedByDigest(t *testing.T) {
	cache := NewAuthCache(time.Minute)
	cache.Set("pgk_secret_key", &Client{ClientID: "cli_1"})

	cache.entries.Range(func(k, _ any) bool {
		if _, ok := k.(string); ok {
			t.Error("plaintext key stored in cache")
		}
		return true
	})
}

func TestCache_ConcurrentStaleReaders(t *testing.T) {
	cache := NewAuthCache(time.Millisecond)
	cache.Set("pgk_key12345", &Client{ClientID: "cli_1"})
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	var refreshes atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := cache.Get("pgk_key12345")
			if !r.Hit {
				t.Error("expected stale hit")
			}
			if r.NeedsRefresh {
				refreshes.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := refreshes.Load(); n != 1 {
		t.Errorf("expected exactly 1 refresh signal, got %d", n)
	}
}

func BenchmarkCache_Get_FreshHit(b *testing.B) {
	cache := NewAuthCache(5 * time.Minute)
	cache.Set("pgk_bench_key", &Client{ClientID: "cli_bench"})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if !cache.Get("pgk_bench_key").Hit {
				b.Fatal("expected hit")
			}
		}
	})
}
