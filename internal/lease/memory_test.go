package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, jobs int) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(Options{LeaseTTL: time.Minute, MaxAttempts: 2, Retention: time.Hour, Now: clock.Now})
	for range jobs {
		_, err := s.Enqueue(context.Background(), "", []byte("{}"))
		require.NoError(t, err)
	}
	return s, clock
}

func TestMemoryStore_Stake(t *testing.T) {
	ctx := context.Background()

	t.Run("stakes up to max jobs in id order", func(t *testing.T) {
		s, _ := newTestStore(t, 7)
		l, err := s.Stake(ctx, "runner-a", 5)
		require.NoError(t, err)
		assert.NotEmpty(t, l.ID)
		assert.Equal(t, []JobID{1, 2, 3, 4, 5}, l.JobIDs)

		l2, err := s.Stake(ctx, "runner-b", 10)
		require.NoError(t, err)
		assert.Equal(t, []JobID{6, 7}, l2.JobIDs)
	})

	t.Run("empty queue yields empty lease", func(t *testing.T) {
		s, _ := newTestStore(t, 0)
		l, err := s.Stake(ctx, "runner-a", 5)
		require.NoError(t, err)
		assert.Equal(t, 0, l.Len())

		n, err := s.CountOutstanding(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		s, _ := newTestStore(t, 1)
		_, err := s.Stake(ctx, "", 1)
		require.ErrorIs(t, err, ErrInvalidHolder)
		_, err = s.Stake(ctx, "h", 0)
		require.ErrorIs(t, err, ErrInvalidMaxJobs)
	})

	t.Run("concurrent stakes are disjoint", func(t *testing.T) {
		s, _ := newTestStore(t, 100)
		var mu sync.Mutex
		seen := make(map[JobID]int)
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l, err := s.Stake(ctx, "h", 15)
				assert.NoError(t, err)
				mu.Lock()
				for _, id := range l.JobIDs {
					seen[id]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 100)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s staked twice", id)
		}
	})
}

func TestMemoryStore_CoverageAndOutstanding(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, 4)

	l, err := s.Stake(ctx, "h", 4)
	require.NoError(t, err)

	covered, err := s.JobsCovered(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, covered, 4)

	n, err := s.CountOutstanding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Complete(ctx, 1))
	require.NoError(t, s.Fail(ctx, 2, "boom"))
	covered, err = s.JobsCovered(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, map[JobID]struct{}{3: {}, 4: {}}, covered)

	t.Run("expiry drops coverage", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		covered, err := s.JobsCovered(ctx, l.ID)
		require.NoError(t, err)
		assert.Empty(t, covered)

		n, err := s.CountOutstanding(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("empty lease id", func(t *testing.T) {
		_, err := s.JobsCovered(ctx, "")
		require.ErrorIs(t, err, ErrInvalidLeaseID)
	})
}

func TestMemoryStore_Revoke(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 3)

	l, err := s.Stake(ctx, "h", 3)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, l.ID))

	covered, err := s.JobsCovered(ctx, l.ID)
	require.NoError(t, err)
	assert.Empty(t, covered)

	l2, err := s.Stake(ctx, "other", 3)
	require.NoError(t, err)
	assert.Equal(t, []JobID{1, 2, 3}, l2.JobIDs)
}

func TestMemoryStore_Clean(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, 3)

	// Two stakes that expire exhaust MaxAttempts=2 for job 1.
	for range 2 {
		_, err := s.Stake(ctx, "h", 1)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		require.NoError(t, s.Clean(ctx))
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 2, st.Pending)

	require.NoError(t, s.Complete(ctx, 2))
	clock.Advance(2 * time.Hour)
	require.NoError(t, s.Clean(ctx))

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1}, st)

	_, err = s.Payload(ctx, 2)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2)
	assert.Positive(t, s.History().Len())

	s.ResetHistory()
	assert.Equal(t, 0, s.History().Len())

	_, err := s.CountOutstanding(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"count outstanding"}, s.History().Entries())
}

func TestHistory_Bounded(t *testing.T) {
	h := NewHistory(3)
	for _, stmt := range []string{"a", "b", "c", "d", "e"} {
		h.Record(stmt)
	}
	assert.Equal(t, []string{"c", "d", "e"}, h.Entries())
	assert.Equal(t, 5, h.Total())

	h.ResetHistory()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 5, h.Total())
}

func TestJobID(t *testing.T) {
	id, err := ParseJobID("42")
	require.NoError(t, err)
	assert.Equal(t, JobID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParseJobID("x")
	assert.Error(t, err)
}
