// internal/breakdown/engine_test.go
package breakdown

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/WORKHIVE/internal/work"
)

func newEngine() *Engine {
	return NewEngine(NewCache(100, time.Hour), nil)
}

func TestMediumChunking(t *testing.T) {
	e := newEngine()
	item := work.NewTodo("X", "two hour job", work.ComplexityMedium, work.PriorityMedium)
	item.EstimatedHours = 2

	tasks, _, hit, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("first call must be a miss")
	}
	if len(tasks) != 4 {
		t.Fatalf("task count = %d, want 4", len(tasks))
	}
	for i, mt := range tasks {
		if mt.EstimatedMinutes != 30 {
			t.Errorf("task %d minutes = %d, want 30", i, mt.EstimatedMinutes)
		}
		if mt.ComplexityScore != scoreMedium {
			t.Errorf("task %d score = %d, want %d", i, mt.ComplexityScore, scoreMedium)
		}
		if mt.ParentID != item.ID {
			t.Errorf("task %d parent = %s, want %s", i, mt.ParentID, item.ID)
		}
	}
}

func TestLowChunking(t *testing.T) {
	e := newEngine()
	item := work.NewTask("quick", "small fix", work.PriorityLow)
	item.EstimatedHours = 0.5 // 30 min -> two 15-min chunks

	tasks, _, _, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("task count = %d, want 2", len(tasks))
	}
	if tasks[0].EstimatedMinutes != 15 {
		t.Errorf("chunk = %d min, want 15", tasks[0].EstimatedMinutes)
	}
}

func TestTinyItemGetsOneChunk(t *testing.T) {
	e := newEngine()
	item := work.NewTask("tiny", "a one liner", work.PriorityLow)
	item.EstimatedHours = 0

	tasks, _, _, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("task count = %d, want 1", len(tasks))
	}
	if tasks[0].EstimatedMinutes < 1 {
		t.Errorf("minutes = %d, want >= 1", tasks[0].EstimatedMinutes)
	}
}

func TestHighFallbackChunking(t *testing.T) {
	e := newEngine()
	item := work.NewComplexTodo("big", "migration", work.ComplexityHigh, work.PriorityHigh)
	item.EstimatedHours = 1 // 60 min -> four 15-min chunks

	tasks, _, _, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 4 {
		t.Fatalf("task count = %d, want 4", len(tasks))
	}
	if tasks[0].ComplexityScore != scoreHigh {
		t.Errorf("score = %d, want %d", tasks[0].ComplexityScore, scoreHigh)
	}
}

type fakeSplitter struct {
	tasks []work.MicroTask
	err   error
}

func (f *fakeSplitter) Split(item *work.WorkItem) ([]work.MicroTask, error) {
	return f.tasks, f.err
}

func TestSplitterUsedForCritical(t *testing.T) {
	split := &fakeSplitter{tasks: []work.MicroTask{
		{TaskID: "s1", Title: "plan", EstimatedMinutes: 90, ComplexityScore: 12},
		{TaskID: "s2", Title: "execute", EstimatedMinutes: 0, ComplexityScore: 0},
	}}
	e := NewEngine(NewCache(100, time.Hour), split)

	item := work.NewComplexTodo("crit", "critical path", work.ComplexityCritical, work.PriorityCritical)
	item.EstimatedHours = 3

	tasks, _, _, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("task count = %d, want 2 from splitter", len(tasks))
	}
	// Splitter output is clamped to micro-task bounds.
	if tasks[0].EstimatedMinutes != 60 {
		t.Errorf("minutes = %d, want clamped to 60", tasks[0].EstimatedMinutes)
	}
	if tasks[0].ComplexityScore != 10 {
		t.Errorf("score = %d, want clamped to 10", tasks[0].ComplexityScore)
	}
	if tasks[1].EstimatedMinutes != 1 {
		t.Errorf("minutes = %d, want clamped to 1", tasks[1].EstimatedMinutes)
	}
}

func TestSplitterFailureFallsBack(t *testing.T) {
	split := &fakeSplitter{err: errors.New("planner offline")}
	e := NewEngine(NewCache(100, time.Hour), split)

	item := work.NewComplexTodo("crit", "critical path", work.ComplexityCritical, work.PriorityCritical)
	item.EstimatedHours = 0.5

	tasks, _, _, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("task count = %d, want 2 from fallback", len(tasks))
	}
	if tasks[0].ComplexityScore != scoreCriticalFallback {
		t.Errorf("score = %d, want %d", tasks[0].ComplexityScore, scoreCriticalFallback)
	}
}

func TestDeterministicAndCached(t *testing.T) {
	e := newEngine()
	item := work.NewTodo("X", "repeatable", work.ComplexityMedium, work.PriorityMedium)
	item.EstimatedHours = 2

	first, key1, hit1, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}
	second, key2, hit2, err := e.Breakdown(item)
	if err != nil {
		t.Fatal(err)
	}

	if hit1 {
		t.Error("first call should miss")
	}
	if !hit2 {
		t.Error("second call should hit")
	}
	if key1 != key2 {
		t.Errorf("keys differ: %s vs %s", key1, key2)
	}
	if len(first) != len(second) {
		t.Fatalf("lists differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !reflect.DeepEqual(first[i], second[i]) {
			t.Errorf("task %d differs between miss and hit:\n%+v\n%+v", i, first[i], second[i])
		}
	}

	stats := e.cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}
