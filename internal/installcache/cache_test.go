package installcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryConcurrentPutsAreNotLost(t *testing.T) {
	cache := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cache.Put(ctx, fmt.Sprintf("owner-%d", i), fmt.Sprintf("%d", 1000+i))
		}(i)
	}
	wg.Wait()

	if cache.Len() != 64 {
		t.Fatalf("expected 64 entries, got %d", cache.Len())
	}
	id, ok, err := cache.Get(ctx, "OWNER-7")
	if err != nil || !ok || id != "1007" {
		t.Fatalf("unexpected lookup result: %q %v %v", id, ok, err)
	}
}

func TestMemoryIgnoresEmptyID(t *testing.T) {
	cache := NewMemory()
	_ = cache.Put(context.Background(), "acme", " ")
	if _, ok, _ := cache.Get(context.Background(), "acme"); ok {
		t.Fatalf("empty installation id must not be stored")
	}
}
