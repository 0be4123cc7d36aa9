package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestGetSet(t *testing.T) {
	c := NewSharded[string, int](8, StringHasher)

	if _, ok := c.Get("missing"); ok {
		t.Error("Get on empty cache reported a hit")
	}

	c.Set("a", 1)
	c.Set("b", 2)
	if got, ok := c.Get("a"); !ok || got != 1 {
		t.Errorf("Get(a) = %d, %v, want 1, true", got, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	// Set on an existing key replaces the value.
	c.Set("a", 10)
	if got, _ := c.Get("a"); got != 10 {
		t.Errorf("Get(a) after overwrite = %d, want 10", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len() after overwrite = %d, want 2", c.Len())
	}
}

func TestGetOrCreate(t *testing.T) {
	c := NewSharded[string, []byte](8, StringHasher)

	creates := 0
	make4 := func() []byte {
		creates++
		return make([]byte, 4)
	}

	first := c.GetOrCreate("alpha_plane", make4)
	second := c.GetOrCreate("alpha_plane", make4)

	if creates != 1 {
		t.Errorf("create called %d times, want 1", creates)
	}
	if &first[0] != &second[0] {
		t.Error("GetOrCreate did not return the cached value")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %d hits %d misses, want 1 and 1", stats.Hits, stats.Misses)
	}
}

func TestLRUEviction(t *testing.T) {
	// Uint64Hasher is the identity, so keys with equal low bits share a
	// shard; multiples of DefaultShardCount all land in shard 0.
	c := NewSharded[uint64, int](2, Uint64Hasher)

	c.Set(0*DefaultShardCount, 0)
	c.Set(1*DefaultShardCount, 1)
	c.Get(0 * DefaultShardCount) // refresh key 0
	c.Set(2*DefaultShardCount, 2)

	if _, ok := c.Get(1 * DefaultShardCount); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.Get(0 * DefaultShardCount); !ok {
		t.Error("recently used entry was evicted")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestDeleteClear(t *testing.T) {
	c := NewSharded[string, int](8, StringHasher)
	c.Set("x", 1)
	c.Set("y", 2)

	if !c.Delete("x") {
		t.Error("Delete(x) = false, want true")
	}
	if c.Delete("x") {
		t.Error("second Delete(x) = true, want false")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
}

func TestCapacity(t *testing.T) {
	c := NewSharded[string, int](0, StringHasher)
	if c.Capacity() != DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", c.Capacity(), DefaultCapacity)
	}
	if c.TotalCapacity() != DefaultCapacity*DefaultShardCount {
		t.Errorf("TotalCapacity() = %d, want %d", c.TotalCapacity(), DefaultCapacity*DefaultShardCount)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewSharded[string, int](32, StringHasher)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("tex%d", i%50)
				c.GetOrCreate(key, func() int { return i })
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() == 0 {
		t.Error("cache empty after concurrent fills")
	}
	stats := c.Stats()
	if stats.Hits == 0 {
		t.Error("no hits recorded under concurrent access")
	}
}

func TestResetStats(t *testing.T) {
	c := NewSharded[string, int](8, StringHasher)
	c.Set("a", 1)
	c.Get("a")
	c.Get("b")

	c.ResetStats()
	stats := c.Stats()
	if stats.Hits != 0 || stats.Misses != 0 || stats.Evictions != 0 {
		t.Errorf("stats after reset = %+v, want zero counters", stats)
	}
}
