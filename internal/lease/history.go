package lease

import "sync"

// History is a bounded buffer of recently executed store statements.
// Stores append to it on every query; it is the query log the runner's
// memory release resets. Thread-safe.
type History struct {
	mu      sync.Mutex
	limit   int
	entries []string
	total   int
}

// NewHistory creates a history keeping at most limit entries.
// A limit below 1 uses DefaultHistorySize.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = DefaultHistorySize
	}
	return &History{limit: limit}
}

// Record appends a statement, evicting the oldest entry once full.
func (h *History) Record(stmt string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	if len(h.entries) >= h.limit {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, stmt)
}

// Entries returns a copy of the buffered statements, oldest first.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of buffered statements.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Total returns the number of statements recorded since creation.
func (h *History) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// ResetHistory drops all buffered statements.
func (h *History) ResetHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}
