package ndstorage

import "github.com/micro-manager/NDStorage/bufpool"

// BufferPoolConfig exposes the buffer-pool tunables through the public
// facade, without requiring callers to import the bufpool package
// directly.
type BufferPoolConfig struct {
	DirectThreshold     int
	RecycleMinSize      int
	PoolSizePerCapacity int
}

// DefaultBufferPoolConfig mirrors bufpool.DefaultConfig.
func DefaultBufferPoolConfig() BufferPoolConfig {
	d := bufpool.DefaultConfig()
	return BufferPoolConfig{
		DirectThreshold:     d.DirectThreshold,
		RecycleMinSize:      d.RecycleMinSize,
		PoolSizePerCapacity: d.PoolSizePerCapacity,
	}
}

func (c BufferPoolConfig) newPool() *bufpool.Pool {
	return bufpool.New(bufpool.Config{
		DirectThreshold:     c.DirectThreshold,
		RecycleMinSize:      c.RecycleMinSize,
		PoolSizePerCapacity: c.PoolSizePerCapacity,
	}, bufpool.Is32BitHost())
}
