package bufpool

import "testing"

func TestGetLarge_RecycleHitsAndMisses(t *testing.T) {
	p := New(Config{DirectThreshold: 1024, RecycleMinSize: 1024, PoolSizePerCapacity: 2}, false)

	buf := p.GetLarge(4096)
	if len(buf) != 4096 {
		t.Fatalf("got len %d, want 4096", len(buf))
	}
	p.TryRecycle(buf)

	got := p.GetLarge(4096)
	if len(got) != 4096 {
		t.Fatalf("got len %d, want 4096", len(got))
	}

	hits, misses := p.Stats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
}

func TestGetLarge_BelowThresholdNeverPools(t *testing.T) {
	p := New(Config{DirectThreshold: 4096, RecycleMinSize: 4096, PoolSizePerCapacity: 2}, false)
	buf := p.GetLarge(100)
	p.TryRecycle(buf)

	p.GetLarge(100)
	hits, misses := p.Stats()
	if hits != 0 || misses != 0 {
		t.Errorf("got hits=%d misses=%d, want 0/0 for below-threshold requests", hits, misses)
	}
}

func TestGetLarge_32BitHostBypassesPool(t *testing.T) {
	p := New(Config{DirectThreshold: 1024, RecycleMinSize: 1024, PoolSizePerCapacity: 2}, true)
	buf := p.GetLarge(4096)
	p.TryRecycle(buf)
	p.GetLarge(4096)

	hits, misses := p.Stats()
	if hits != 0 || misses != 0 {
		t.Errorf("got hits=%d misses=%d, want 0/0 on a 32-bit host", hits, misses)
	}
}

func TestTryRecycle_EvictsOldestBeyondCapacity(t *testing.T) {
	p := New(Config{DirectThreshold: 1024, RecycleMinSize: 1024, PoolSizePerCapacity: 1}, false)

	first := make([]byte, 2048)
	second := make([]byte, 2048)
	p.TryRecycle(first)
	p.TryRecycle(second)

	if len(p.buckets[2048]) != 1 {
		t.Fatalf("bucket size = %d, want 1 after eviction", len(p.buckets[2048]))
	}
}

func TestGetSmall_AlwaysFresh(t *testing.T) {
	p := New(DefaultConfig(), false)
	buf := p.GetSmall(16)
	if len(buf) != 16 {
		t.Fatalf("got len %d, want 16", len(buf))
	}
	hits, misses := p.Stats()
	if hits != 0 || misses != 0 {
		t.Errorf("GetSmall should never touch hit/miss counters, got hits=%d misses=%d", hits, misses)
	}
}
