package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rshade/leaserun/internal/logging"
)

// DefaultDebugEntries is the number of operations kept in the debug buffer.
const DefaultDebugEntries = 100

// Stats counts cache traffic since the last Clear.
type Stats struct {
	Hits    int
	Misses  int
	Sets    int
	Flushed int
	Entries int
	Pending int
}

// MemoryOptions configures a Memory cache.
type MemoryOptions struct {
	// TTLSeconds is the lifetime of in-memory entries. Zero uses DefaultTTLSeconds.
	TTLSeconds int

	// Backing receives pending writes on Flush and serves misses. Optional.
	Backing *FileStore

	// DebugEntries bounds the debug buffer. Zero uses DefaultDebugEntries.
	DebugEntries int

	// Now returns the current time. Tests override it.
	Now func() time.Time
}

// Memory is the in-process ambient cache.
type Memory struct {
	ttlSeconds int
	backing    *FileStore
	debugLimit int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	pending map[string]*Entry
	stats   Stats
	debug   []string
	clears  int
}

// NewMemory creates an empty Memory cache.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.TTLSeconds <= 0 {
		opts.TTLSeconds = DefaultTTLSeconds
	}
	if opts.DebugEntries <= 0 {
		opts.DebugEntries = DefaultDebugEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		ttlSeconds: opts.TTLSeconds,
		backing:    opts.Backing,
		debugLimit: opts.DebugEntries,
		now:        opts.Now,
		entries:    make(map[string]*Entry),
		pending:    make(map[string]*Entry),
	}
}

// Get returns the value for key from memory, then from the backing store.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	now := m.now()
	if e, ok := m.entries[key]; ok && !e.ExpiredAt(now) {
		m.stats.Hits++
		m.trace("hit " + key)
		m.mu.Unlock()
		return e.Data, true
	}
	delete(m.entries, key)
	m.mu.Unlock()

	if m.backing != nil {
		if e, err := m.backing.Get(key); err == nil {
			m.mu.Lock()
			m.entries[key] = e
			m.stats.Hits++
			m.trace("disk hit " + key)
			m.mu.Unlock()
			return e.Data, true
		}
	}

	m.mu.Lock()
	m.stats.Misses++
	m.trace("miss " + key)
	m.mu.Unlock()
	return nil, false
}

// Set stores data under key and queues it for the next Flush.
func (m *Memory) Set(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := NewEntry(key, data, m.ttlSeconds, m.now())
	m.entries[key] = e
	if m.backing != nil {
		m.pending[key] = e
	}
	m.stats.Sets++
	m.trace("set " + key)
}

// GetOrLoad returns the cached value for key or calls load and caches its result.
func (m *Memory) GetOrLoad(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := m.Get(key); ok {
		return data, nil
	}
	data, err := load(ctx)
	if err != nil {
		return nil, err
	}
	m.Set(key, data)
	return data, nil
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = len(m.entries)
	s.Pending = len(m.pending)
	return s
}

// Debug returns a copy of the recent operation log.
func (m *Memory) Debug() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.debug...)
}

// Clears returns how many times Clear has run.
func (m *Memory) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// Clear drops entries, pending writes, counters and the debug buffer.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	dropped := len(m.pending)
	m.entries = make(map[string]*Entry)
	m.pending = make(map[string]*Entry)
	m.stats = Stats{}
	m.debug = nil
	m.clears++
	m.mu.Unlock()

	if dropped > 0 {
		log := logging.ComponentLogger(*logging.FromContext(ctx), "cache")
		log.Warn().Int("pending", dropped).Msg("cleared unflushed writes")
	}
	return nil
}

// Flush writes pending entries to the backing store. Entries that fail to
// write stay pending.
func (m *Memory) Flush(ctx context.Context) error {
	if m.backing == nil {
		return nil
	}

	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string]*Entry)
	m.mu.Unlock()

	var errs []error
	written := 0
	for key, e := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			m.requeue(key, e)
			continue
		}
		if err := m.backing.Put(e); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", key, err))
			m.requeue(key, e)
			continue
		}
		written++
	}

	m.mu.Lock()
	m.stats.Flushed += written
	m.trace(fmt.Sprintf("flush %d", written))
	m.mu.Unlock()
	return errors.Join(errs...)
}

func (m *Memory) requeue(key string, e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, newer := m.pending[key]; !newer {
		m.pending[key] = e
	}
}

// trace appends to the debug buffer. Caller holds m.mu.
func (m *Memory) trace(op string) {
	if len(m.debug) >= m.debugLimit {
		m.debug = m.debug[1:]
	}
	m.debug = append(m.debug, op)
}
