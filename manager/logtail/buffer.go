// Package logtail keeps a bounded rolling window of recent log output for
// each instance. Older lines are discarded as new ones arrive; the buffer
// never grows past its capacity.
package logtail

import (
	"sync"
	"time"
)

// Line is a single captured log line.
type Line struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Buffer is a fixed-capacity ring of log lines. Safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	lines    []Line
	capacity int
	nextID   int64
}

// NewBuffer creates a Buffer holding at most capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		lines:    make([]Line, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Append adds a line, evicting the oldest when the buffer is full.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) >= b.capacity {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, Line{
		ID:        b.nextID,
		Timestamp: time.Now(),
		Text:      text,
	})
	b.nextID++
}

// Replace swaps the buffer contents for a fresh batch of lines, keeping at
// most the last capacity entries. Used when the monitor re-reads the tail
// from the container driver rather than streaming line by line.
func (b *Buffer) Replace(texts []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(texts) > b.capacity {
		texts = texts[len(texts)-b.capacity:]
	}
	now := time.Now()
	b.lines = b.lines[:0]
	for _, text := range texts {
		b.lines = append(b.lines, Line{
			ID:        b.nextID,
			Timestamp: now,
			Text:      text,
		})
		b.nextID++
	}
}

// Tail returns the most recent count lines, oldest first.
func (b *Buffer) Tail(count int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if count <= 0 || len(b.lines) == 0 {
		return []Line{}
	}
	start := len(b.lines) - count
	if start < 0 {
		start = 0
	}
	result := make([]Line, len(b.lines)-start)
	copy(result, b.lines[start:])
	return result
}

// Len returns the number of lines currently buffered.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}
