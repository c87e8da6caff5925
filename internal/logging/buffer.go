package logging

import (
	"sync"
	"time"
)

// LogEntry represents a single log line stored in the ring buffer.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level,omitempty"`
	Module     string         `json:"module,omitempty"`
	StreamID   string         `json:"stream_id,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer is a thread-safe circular buffer for log entries.
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
// A non-positive size is treated as 1.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Write adds a log entry to the buffer, overwriting the oldest entry if full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	}
}

// ReadAll returns all entries in chronological order.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Tail(rb.size)
}

// Tail returns up to n of the most recent entries, oldest first.
func (rb *RingBuffer) Tail(n int) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]LogEntry, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := range n {
		result[i] = rb.entries[(start+i)%rb.size]
	}
	return result
}

// Query selects entries from a RingBuffer. Zero fields match everything.
type Query struct {
	StreamID string
	Module   string
	// MinLevel drops entries below this level name (debug, info, warn, error)
	MinLevel string
	// Limit keeps only the newest matches
	Limit int
}

func (q Query) matches(e LogEntry) bool {
	if q.StreamID != "" && e.StreamID != q.StreamID {
		return false
	}
	if q.Module != "" && e.Module != q.Module {
		return false
	}
	if q.MinLevel != "" && levelRank(e.Level) < levelRank(q.MinLevel) {
		return false
	}
	return true
}

// Find returns the entries matching q, oldest first.
func (rb *RingBuffer) Find(q Query) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []LogEntry
	start := (rb.head - rb.count + rb.size) % rb.size
	for i := range rb.count {
		e := rb.entries[(start+i)%rb.size]
		if q.matches(e) {
			result = append(result, e)
		}
	}
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[len(result)-q.Limit:]
	}
	return result
}

func levelRank(level string) int {
	switch level {
	case "error":
		return 3
	case "warn":
		return 2
	case "info":
		return 1
	default:
		return 0
	}
}

// Count returns the number of entries in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Reset drops every entry.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	clear(rb.entries)
	rb.head = 0
	rb.count = 0
}
