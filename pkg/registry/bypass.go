package registry

import (
	"sync"
	"time"
)

const defaultBypassCapacity = 100

// BypassWarning is an audit entry for an agent reached outside the facade.
type BypassWarning struct {
	Caller    string    `json:"caller"`
	Agent     string    `json:"agent"`
	Method    string    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// BypassLog is a thread-safe fixed-size circular buffer of bypass warnings
// with oldest-first eviction. It is the only owner of warning history.
type BypassLog struct {
	entries  []BypassWarning
	head     int // Index of oldest element
	tail     int // Index where next element will be inserted
	size     int
	capacity int
	evicted  int64
	mu       sync.RWMutex
}

// NewBypassLog creates a log holding at most capacity warnings.
func NewBypassLog(capacity int) *BypassLog {
	if capacity <= 0 {
		capacity = defaultBypassCapacity
	}
	return &BypassLog{
		entries:  make([]BypassWarning, capacity),
		capacity: capacity,
	}
}

// Add appends w, evicting the oldest entry when full.
// Returns true if an entry was evicted to make room.
func (l *BypassLog) Add(w BypassWarning) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.tail] = w
	l.tail = (l.tail + 1) % l.capacity

	if l.size < l.capacity {
		l.size++
		return false
	}
	l.head = (l.head + 1) % l.capacity
	l.evicted++
	return true
}

// Recent returns up to limit of the newest warnings, oldest first. limit <= 0 returns all.
func (l *BypassLog) Recent(limit int) []BypassWarning {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]BypassWarning, 0, n)
	for i := l.size - n; i < l.size; i++ {
		out = append(out, l.entries[(l.head+i)%l.capacity])
	}
	return out
}

// Size returns the current number of warnings held.
func (l *BypassLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity returns the maximum number of warnings held.
func (l *BypassLog) Capacity() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.capacity
}

// Evicted returns how many warnings have been dropped since creation.
func (l *BypassLog) Evicted() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted
}

// Clear removes all warnings.
func (l *BypassLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.entries)
	l.head = 0
	l.tail = 0
	l.size = 0
}

// Resize changes the capacity, preserving as many recent warnings as possible.
func (l *BypassLog) Resize(capacity int) {
	if capacity <= 0 {
		capacity = defaultBypassCapacity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if capacity == l.capacity {
		return
	}

	current := make([]BypassWarning, 0, l.size)
	for i := 0; i < l.size; i++ {
		current = append(current, l.entries[(l.head+i)%l.capacity])
	}
	if len(current) > capacity {
		l.evicted += int64(len(current) - capacity)
		current = current[len(current)-capacity:]
	}

	l.entries = make([]BypassWarning, capacity)
	copy(l.entries, current)
	l.capacity = capacity
	l.head = 0
	l.size = len(current)
	l.tail = l.size % capacity
}
