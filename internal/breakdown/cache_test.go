// internal/breakdown/cache_test.go
package breakdown

import (
	"testing"
	"time"

	"github.com/WORKHIVE/internal/work"
)

func sampleTasks(parent string) []work.MicroTask {
	return []work.MicroTask{
		{TaskID: parent + "-mt-01", ParentID: parent, Title: "part 1", EstimatedMinutes: 30},
		{TaskID: parent + "-mt-02", ParentID: parent, Title: "part 2", EstimatedMinutes: 30},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(10, time.Hour)

	if _, ok := c.Get("k"); ok {
		t.Fatal("empty cache should miss")
	}
	c.Put("k", "p1", sampleTasks("p1"))

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss / size 1", stats)
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(10, time.Hour)
	c.Put("k", "p1", sampleTasks("p1"))

	got, _ := c.Get("k")
	got[0].Title = "mutated"

	again, _ := c.Get("k")
	if again[0].Title != "part 1" {
		t.Error("cache handed out a shared slice")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(10, 50*time.Millisecond)
	c.Put("k", "p1", sampleTasks("p1"))

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before TTL")
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("entry older than TTL must be a miss")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(2, time.Hour)
	c.Put("a", "p1", sampleTasks("p1"))
	c.Put("b", "p2", sampleTasks("p2"))
	c.Get("a") // refresh a
	c.Put("c", "p3", sampleTasks("p3"))

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry should survive")
	}
	if c.Stats().Size != 2 {
		t.Errorf("size = %d, want 2", c.Stats().Size)
	}
}

func TestPurgeParent(t *testing.T) {
	c := NewCache(10, time.Hour)
	c.Put("a", "p1", sampleTasks("p1"))
	c.Put("b", "p1", sampleTasks("p1"))
	c.Put("c", "p2", sampleTasks("p2"))

	n := c.PurgeParent("p1")
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("purged entry still present")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("unrelated entry was purged")
	}
	if c.Stats().Clears != 2 {
		t.Errorf("clears = %d, want 2", c.Stats().Clears)
	}
}

func TestKeyStableAndSensitive(t *testing.T) {
	item := work.NewTodo("X", "desc", work.ComplexityMedium, work.PriorityMedium)
	item.EstimatedHours = 2

	k1 := Key(item)
	k2 := Key(item)
	if k1 != k2 {
		t.Error("key not stable for identical input")
	}

	changed := item.Clone()
	changed.EstimatedHours = 3
	if Key(changed) == k1 {
		t.Error("key should change when estimate changes")
	}
}
