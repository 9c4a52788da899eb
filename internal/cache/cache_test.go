package cache

import (
	"testing"
	"time"
)

func TestCacheGetSet(t *testing.T) {
	c := New[string](10, time.Hour)

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	if !ok {
		t.Error("Expected to find key1")
	}
	if val != "value1" {
		t.Errorf("Expected value1, got %v", val)
	}

	if _, ok := c.Get("nonexistent"); ok {
		t.Error("Expected not to find nonexistent key")
	}
}

func TestCacheExpiration(t *testing.T) {
	c := New[string](10, 50*time.Millisecond)

	c.Set("key1", "value1")
	if _, ok := c.Get("key1"); !ok {
		t.Error("Expected to find key1 immediately")
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Get("key1"); ok {
		t.Error("Expected key1 to have expired")
	}
	if c.Size() != 0 {
		t.Errorf("Expected size 0 after expiry, got %d", c.Size())
	}
}

func TestCacheEviction(t *testing.T) {
	c := New[int](3, time.Hour)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch a so b becomes the least recently used.
	c.Get("a")
	c.Set("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("Expected %s to survive eviction", key)
		}
	}
}

func TestCacheUpdateExisting(t *testing.T) {
	c := New[int](2, time.Hour)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("Expected b to be evicted after a was refreshed")
	}
	val, ok := c.Get("a")
	if !ok || val != 10 {
		t.Errorf("Expected a=10, got %v (found=%v)", val, ok)
	}
}

func TestCacheDeleteAndClear(t *testing.T) {
	c := New[int](5, time.Hour)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("Expected a to be deleted")
	}

	c.Clear()
	if c.Size() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", c.Size())
	}
}

func TestCacheCleanupExpired(t *testing.T) {
	c := New[int](10, 20*time.Millisecond)

	c.Set("a", 1)
	c.Set("b", 2)
	time.Sleep(50 * time.Millisecond)
	c.Set("c", 3)

	removed := c.CleanupExpired()
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if c.Size() != 1 {
		t.Errorf("Expected 1 item left, got %d", c.Size())
	}
}

func TestTypeCacheParse(t *testing.T) {
	tc := NewTypeCache(8, time.Hour)

	parsed, err := tc.Parse(`Enum["b","a"]`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.String() != `Enum["a","b"]` {
		t.Errorf("Expected canonical Enum, got %s", parsed)
	}
	if tc.Size() != 1 {
		t.Errorf("Expected 1 cached type, got %d", tc.Size())
	}

	again, err := tc.Parse(`Enum["b","a"]`)
	if err != nil {
		t.Fatalf("cached Parse failed: %v", err)
	}
	if again.String() != parsed.String() {
		t.Error("cached parse returned a different type")
	}

	if _, err := tc.Parse("not a type"); err == nil {
		t.Error("Expected parse error for invalid expression")
	}
	if tc.Size() != 1 {
		t.Error("parse errors must not be cached")
	}
}
