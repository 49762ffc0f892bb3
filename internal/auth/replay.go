package auth

import (
	"sync"
	"time"
)

// ReplayCache 记录窗口期内已使用过的签名，防止同一签名被重复提交。
type ReplayCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

// NewReplayCache 创建缓存，签名在 window 之后自动过期。
func NewReplayCache(window time.Duration) *ReplayCache {
	if window <= 0 {
		window = DefaultMaxSkew
	}
	return &ReplayCache{seen: make(map[string]time.Time), window: window}
}

// Use 登记签名，若签名已登记且未过期则返回 false。
func (c *ReplayCache) Use(signature string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.seen[signature]; ok && now.Before(exp) {
		return false
	}
	c.seen[signature] = now.Add(2 * c.window)
	if len(c.seen) > 1024 {
		c.pruneLocked(now)
	}
	return true
}

// Len 返回缓存中的签名数量。
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *ReplayCache) pruneLocked(now time.Time) {
	for sig, exp := range c.seen {
		if !now.Before(exp) {
			delete(c.seen, sig)
		}
	}
}
