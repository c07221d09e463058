package execplane

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/execplane/store"
)

// countingStore counts baseline reads to observe cache behavior.
type countingStore struct {
	*store.MemoryStore
	baselineReads atomic.Int64
}

func (s *countingStore) GetPromptBaseline(ctx context.Context, toolName string) (string, error) {
	s.baselineReads.Add(1)
	return s.MemoryStore.GetPromptBaseline(ctx, toolName)
}

func TestBaselineCache_HitAvoidsStore(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	ctx := context.Background()
	if err := cs.SetPromptBaseline(ctx, "t", "h1"); err != nil {
		t.Fatal(err)
	}

	c := newBaselineCache(cs, time.Minute, zap.NewNop())

	for i := 0; i < 5; i++ {
		hash, err := c.Get(ctx, "t")
		if err != nil {
			t.Fatal(err)
		}
		if hash != "h1" {
			t.Fatalf("expected h1, got %s", hash)
		}
	}
	if reads := cs.baselineReads.Load(); reads != 1 {
		t.Fatalf("expected 1 store read, got %d", reads)
	}
}

func TestBaselineCache_NegativeCache(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	c := newBaselineCache(cs, time.Minute, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		hash, err := c.Get(ctx, "missing")
		if err != nil {
			t.Fatal(err)
		}
		if hash != "" {
			t.Fatalf("expected empty baseline, got %s", hash)
		}
	}
	if reads := cs.baselineReads.Load(); reads != 1 {
		t.Fatalf("negative result should be cached, got %d reads", reads)
	}
}

func TestBaselineCache_InvalidateRefetches(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	c := newBaselineCache(cs, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := c.Get(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	if err := cs.SetPromptBaseline(ctx, "t", "h2"); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("t")

	hash, err := c.Get(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "h2" {
		t.Fatalf("expected refetched h2, got %s", hash)
	}
}
