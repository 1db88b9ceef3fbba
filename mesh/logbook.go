package mesh

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one line in the observable activity log.
type LogEntry struct {
	ID        string
	Message   string
	Timestamp time.Time
}

// Logbook is the UI-facing activity log. Appends come from the
// coordinator run loop; reads and subscriptions come from arbitrary
// goroutines, so the logbook locks internally. Display order is by
// timestamp descending rather than insertion order.
type Logbook struct {
	mu        sync.Mutex
	entries   []LogEntry
	max       int
	persist   func(LogEntry)
	listeners map[chan LogEntry]struct{}
}

// NewLogbook returns a logbook retaining at most max entries in memory
// (0 means unlimited).
func NewLogbook(max int) *Logbook {
	return &Logbook{
		max:       max,
		listeners: make(map[chan LogEntry]struct{}),
	}
}

// SetPersist installs a sink invoked once per appended entry, used to
// archive the log stream. The sink runs on the appender's goroutine.
func (l *Logbook) SetPersist(fn func(LogEntry)) {
	l.mu.Lock()
	l.persist = fn
	l.mu.Unlock()
}

// Logf appends a formatted entry.
func (l *Logbook) Logf(format string, args ...any) {
	entry := LogEntry{
		ID:        uuid.NewString(),
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if l.max > 0 && len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	persist := l.persist
	for ch := range l.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	l.mu.Unlock()

	if persist != nil {
		persist(entry)
	}
}

// Entries returns a copy of the retained entries, newest first. Entries
// sharing a timestamp keep reverse insertion order.
func (l *Logbook) Entries() []LogEntry {
	l.mu.Lock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	l.mu.Unlock()

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Clear drops every retained entry.
func (l *Logbook) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Subscribe registers a listener channel for appended entries. Delivery
// is non-blocking; a slow listener misses entries rather than stalling
// the appender.
func (l *Logbook) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	l.mu.Lock()
	l.listeners[ch] = struct{}{}
	l.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener registered with Subscribe.
func (l *Logbook) Unsubscribe(ch chan LogEntry) {
	l.mu.Lock()
	delete(l.listeners, ch)
	l.mu.Unlock()
}
