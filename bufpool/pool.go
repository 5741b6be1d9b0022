// Package bufpool implements a size-keyed pool of reusable byte
// buffers for the writer's hot path, with a small bounded eviction
// policy per size class. Unlike sync.Pool's unbounded, GC-driven
// reclaim, each size bucket holds a fixed handful of buffers and
// evicts the oldest on overflow, so a burst of odd-sized allocations
// cannot pin memory indefinitely.
package bufpool

import "sync"

// Config holds the pool's tunables.
type Config struct {
	// DirectThreshold is the minimum buffer size, in bytes, eligible
	// for pooling at all; smaller requests always go through GetSmall.
	DirectThreshold int
	// RecycleMinSize is the minimum capacity a buffer must have to be
	// worth recycling via TryRecycle.
	RecycleMinSize int
	// PoolSizePerCapacity bounds how many buffers are kept per size
	// bucket; the oldest is evicted on overflow.
	PoolSizePerCapacity int
}

// DefaultConfig keeps at most 3 buffers per size class and only pools
// allocations of 4 KiB and up.
func DefaultConfig() Config {
	return Config{
		DirectThreshold:     4096,
		RecycleMinSize:      4096,
		PoolSizePerCapacity: 3,
	}
}

// Pool is a size-keyed pool of directly-allocated byte buffers. It is
// only ever touched from a dataset's single writer goroutine, so no
// internal locking is required for the steady-state path; the mutex
// exists only to make the type safe to share if a caller chooses to,
// and costs nothing under single-goroutine use.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[int][][]byte

	// is32Bit disables pooling altogether; a 32-bit address space is
	// too scarce to hold cached multi-megabyte tile buffers.
	is32Bit bool

	hits, misses int64
}

// New returns a Pool configured with cfg. is32Bit should be the result
// of a build-time or runtime check of uintptr size; callers normally
// pass bufpool.Is32BitHost().
func New(cfg Config, is32Bit bool) *Pool {
	return &Pool{
		cfg:     cfg,
		buckets: make(map[int][][]byte),
		is32Bit: is32Bit,
	}
}

// Is32BitHost reports whether this process's native pointer size is
// 32 bits.
func Is32BitHost() bool {
	return ^uintptr(0)>>32 == 0
}

// GetSmall always allocates a fresh buffer of size n; used for
// allocations below the pooling threshold where the bookkeeping
// overhead of pooling would not pay for itself.
func (p *Pool) GetSmall(n int) []byte {
	return make([]byte, n)
}

// GetLarge attempts to dequeue a cached buffer of exactly capacity n,
// falling back to a fresh allocation. On a 32-bit host, or for
// requests below DirectThreshold, it behaves like GetSmall.
func (p *Pool) GetLarge(n int) []byte {
	if p.is32Bit || n < p.cfg.DirectThreshold {
		return make([]byte, n)
	}

	p.mu.Lock()
	bucket := p.buckets[n]
	if len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.buckets[n] = bucket[:len(bucket)-1]
		p.hits++
		p.mu.Unlock()
		return buf[:n]
	}
	p.misses++
	p.mu.Unlock()
	return make([]byte, n)
}

// TryRecycle returns buf to the pool, keyed by its capacity. Buffers
// below RecycleMinSize, or on a 32-bit host, are dropped. Each size
// bucket holds at most PoolSizePerCapacity buffers; the oldest is
// evicted to make room.
func (p *Pool) TryRecycle(buf []byte) {
	if p.is32Bit || cap(buf) < p.cfg.RecycleMinSize {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := cap(buf)
	bucket := p.buckets[size]
	if len(bucket) >= p.cfg.PoolSizePerCapacity {
		// Evict the oldest (front of the slice) to make room.
		bucket = bucket[1:]
	}
	p.buckets[size] = append(bucket, buf[:cap(buf)])
}

// Stats returns the pool's cumulative hit/miss counters, sampled by
// the metrics collector.
func (p *Pool) Stats() (hits, misses int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}
