package execplane

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/execplane/store"
)

// baselineCache is a TTL cache with stale-while-revalidate in front of the
// store's prompt baselines, so the drift signal does not cost a storage
// round trip per proposal. Uses sync.Map for lock-free reads on the hot
// path.
type baselineCache struct {
	entries sync.Map // map[string]*baselineEntry
	ttl     time.Duration
	src     store.Store
	logger  *zap.Logger
}

type baselineEntry struct {
	hash       string // "" = negative cache (no baseline for tool)
	expiresAt  time.Time
	refreshing atomic.Bool
}

func newBaselineCache(src store.Store, ttl time.Duration, logger *zap.Logger) *baselineCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &baselineCache{ttl: ttl, src: src, logger: logger}
}

// Get returns the baseline hash for a tool, "" when none exists. Fresh
// entries are served directly; stale entries are served while one goroutine
// refreshes in the background (only the CAS winner refreshes).
func (c *baselineCache) Get(ctx context.Context, toolName string) (string, error) {
	if val, ok := c.entries.Load(toolName); ok {
		entry := val.(*baselineEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.hash, nil
		}
		if entry.refreshing.CompareAndSwap(false, true) {
			go c.refreshInBackground(toolName)
		}
		return entry.hash, nil
	}

	hash, err := c.src.GetPromptBaseline(ctx, toolName)
	if err != nil {
		return "", err
	}
	c.set(toolName, hash)
	return hash, nil
}

// Invalidate drops a tool's entry; the next Get refetches. Called by the
// administrative baseline writer.
func (c *baselineCache) Invalidate(toolName string) {
	c.entries.Delete(toolName)
}

func (c *baselineCache) set(toolName, hash string) {
	c.entries.Store(toolName, &baselineEntry{
		hash:      hash,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *baselineCache) refreshInBackground(toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hash, err := c.src.GetPromptBaseline(ctx, toolName)
	if err != nil {
		c.logger.Warn("background baseline refresh failed",
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return
	}
	c.set(toolName, hash)
}
