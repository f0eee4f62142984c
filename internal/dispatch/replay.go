package dispatch

import (
	"context"
	"sync"

	"cardline/internal/domain"
)

// ReplayCache stores tool results by content address. Implementations must keep the first
// result written for a key.
type ReplayCache interface {
	Get(ctx context.Context, key domain.ReplayKey) (domain.ToolResult, bool, error)
	Put(ctx context.Context, key domain.ReplayKey, res domain.ToolResult) error
}

// MemoryReplayCache is a process-local ReplayCache, safe for concurrent use.
type MemoryReplayCache struct {
	mu      sync.RWMutex
	results map[string]domain.ToolResult
}

func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{results: map[string]domain.ToolResult{}}
}

func (c *MemoryReplayCache) Get(_ context.Context, key domain.ReplayKey) (domain.ToolResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[key.String()]
	return res, ok, nil
}

func (c *MemoryReplayCache) Put(_ context.Context, key domain.ReplayKey, res domain.ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string]domain.ToolResult{}
	}
	if _, ok := c.results[key.String()]; !ok {
		c.results[key.String()] = res
	}
	return nil
}

func (c *MemoryReplayCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results)
}
