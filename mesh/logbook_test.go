package mesh

import (
	"testing"
	"time"
)

func TestLogbookNewestFirst(t *testing.T) {
	l := NewLogbook(0)
	l.Logf("first")
	time.Sleep(2 * time.Millisecond)
	l.Logf("second")
	time.Sleep(2 * time.Millisecond)
	l.Logf("third")

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].Message != "third" || entries[2].Message != "first" {
		t.Fatalf("unexpected order: %q .. %q", entries[0].Message, entries[2].Message)
	}
	for _, e := range entries {
		if e.ID == "" {
			t.Fatal("entry missing ID")
		}
	}
}

func TestLogbookRetentionCap(t *testing.T) {
	l := NewLogbook(3)
	for i := 0; i < 10; i++ {
		l.Logf("entry %d", i)
	}
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].Message != "entry 9" {
		t.Fatalf("newest = %q, want entry 9", entries[0].Message)
	}
}

func TestLogbookClear(t *testing.T) {
	l := NewLogbook(0)
	l.Logf("something")
	l.Clear()
	if got := len(l.Entries()); got != 0 {
		t.Fatalf("len after clear = %d, want 0", got)
	}
}

func TestLogbookSubscribeAndPersist(t *testing.T) {
	l := NewLogbook(0)

	var persisted []LogEntry
	l.SetPersist(func(e LogEntry) { persisted = append(persisted, e) })

	ch := l.Subscribe()
	defer l.Unsubscribe(ch)

	l.Logf("hello %s", "mesh")

	select {
	case e := <-ch:
		if e.Message != "hello mesh" {
			t.Fatalf("message = %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered to subscriber")
	}
	if len(persisted) != 1 || persisted[0].Message != "hello mesh" {
		t.Fatalf("persist sink saw %v", persisted)
	}
}
