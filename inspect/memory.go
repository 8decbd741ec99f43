package inspect

import (
	"context"
	"sync"
)

// MemorySink is a bounded in-memory sink. When the ring is full the oldest
// entry is dropped. Useful for tests and local debugging.
type MemorySink struct {
	mu       sync.Mutex
	entries  []*Entry
	capacity int
}

// NewMemorySink creates an in-memory sink holding at most WithCapacity
// entries (default DefaultCapacity).
func NewMemorySink(opts ...Option) *MemorySink {
	o := newOptions(opts...)
	return &MemorySink{
		entries:  make([]*Entry, 0, o.capacity),
		capacity: o.capacity,
	}
}

// Record appends the entry, dropping the oldest when the ring is full.
func (s *MemorySink) Record(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.capacity {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of all recorded entries, oldest first.
func (s *MemorySink) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*Entry, len(s.entries))
	copy(result, s.entries)
	return result
}

// EntriesFor returns recorded entries for one container.
func (s *MemorySink) EntriesFor(container string) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Entry
	for _, e := range s.entries {
		if e.Container == container {
			result = append(result, e)
		}
	}
	return result
}

// Count returns the number of recorded entries.
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reset clears all recorded entries.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.mu.Unlock()
}

// Compile-time interface check
var _ Sink = (*MemorySink)(nil)
