package incident

import "sync"

// DefaultCapacity is the number of recent incidents kept for the live counter
const DefaultCapacity = 100

// Log is a bounded FIFO ring of recent incidents.
// Entries stay in detection order; once full each append evicts the oldest entry.
// Repeated identical incidents are all kept.
type Log struct {
	mu       sync.RWMutex
	entries  []Incident
	capacity int
	head     int // index of the oldest entry once the ring is full
	total    int64
}

// NewLog creates a log holding at most capacity incidents
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]Incident, 0, capacity),
		capacity: capacity,
	}
}

// Append adds an incident and returns a snapshot of the log after insertion
func (l *Log) Append(inc Incident) []Incident {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, inc)
	} else {
		l.entries[l.head] = inc
		l.head = (l.head + 1) % l.capacity
	}
	l.total++

	return l.snapshotLocked()
}

// Resolve replaces the entry with the given ID by a copy carrying the evidence
// reference. Returns false if the entry was already evicted or cleared.
func (l *Log) Resolve(id, evidenceRef string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i] = l.entries[i].WithEvidence(evidenceRef)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the log, oldest first
func (l *Log) Snapshot() []Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Log) snapshotLocked() []Incident {
	out := make([]Incident, 0, len(l.entries))
	if len(l.entries) < l.capacity {
		return append(out, l.entries...)
	}
	out = append(out, l.entries[l.head:]...)
	return append(out, l.entries[:l.head]...)
}

// Len returns the number of incidents currently held
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Total returns the number of incidents appended since the last Clear,
// including evicted ones
func (l *Log) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Clear drops every entry
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Incident, 0, l.capacity)
	l.head = 0
	l.total = 0
}
