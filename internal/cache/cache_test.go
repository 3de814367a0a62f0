package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func TestEntry(t *testing.T) {
	e := NewEntry("payload/1", []byte("hello"), 60, epoch)

	assert.Equal(t, "payload/1", e.Key)
	assert.False(t, e.ExpiredAt(epoch))
	assert.True(t, e.ExpiredAt(epoch.Add(time.Minute)))

	t.Run("JSON", func(t *testing.T) {
		encoded, err := json.Marshal(e)
		require.NoError(t, err)
		assert.Contains(t, string(encoded), `"data":"aGVsbG8="`)

		var decoded Entry
		require.NoError(t, json.Unmarshal(encoded, &decoded))
		assert.Equal(t, e.Data, decoded.Data)
		assert.True(t, e.ExpiresAt.Equal(decoded.ExpiresAt))
		assert.Equal(t, 60, decoded.TTLSeconds)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		var decoded Entry
		err := json.Unmarshal([]byte(`{"key":"k","created_at":"yesterday","expires_at":""}`), &decoded)
		assert.Error(t, err)
	})
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	store, err := NewFileStore(dir, 60)
	require.NoError(t, err)
	assert.Equal(t, dir, store.Directory())
	assert.Equal(t, 60, store.TTL())

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, store.Put(NewEntry("payload/7", []byte(`{"n":7}`), store.TTL(), time.Now())))
		e, err := store.Get("payload/7")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":7}`, string(e.Data))

		_, statErr := os.Stat(filepath.Join(dir, "payload_7.json"))
		require.NoError(t, statErr)

		count, err := store.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete("payload/7"))
		require.NoError(t, store.Delete("payload/7"))
		_, err := store.Get("payload/7")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty key", func(t *testing.T) {
		assert.ErrorIs(t, store.Put(NewEntry("", nil, 60, time.Now())), ErrInvalidKey)
		_, err := store.Get("")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("expiry", func(t *testing.T) {
		require.NoError(t, store.Put(NewEntry("a", []byte("1"), 60, time.Now())))
		require.NoError(t, store.Put(NewEntry("b", []byte("2"), 60, time.Now())))
		store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { store.now = time.Now }()

		_, err := store.Get("a")
		assert.ErrorIs(t, err, ErrExpired)
		_, statErr := os.Stat(filepath.Join(dir, "a.json"))
		assert.ErrorIs(t, statErr, os.ErrNotExist, "an expired read removes the file")

		removed, err := store.CleanupExpired()
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		count, err := store.Count()
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := NewFileStore("", 60)
		assert.Error(t, err)
	})
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	now := epoch
	m := NewMemory(MemoryOptions{TTLSeconds: 60, DebugEntries: 3, Now: func() time.Time { return now }})

	_, ok := m.Get("k")
	assert.False(t, ok)

	m.Set("k", []byte("v"))
	data, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), data)

	st := m.Stats()
	assert.Equal(t, Stats{Hits: 1, Misses: 1, Sets: 1, Entries: 1}, st)
	assert.Len(t, m.Debug(), 3)

	now = now.Add(2 * time.Minute)
	_, ok = m.Get("k")
	assert.False(t, ok, "expired entries are not served")

	m.Set("k", []byte("v2"))
	require.NoError(t, m.Clear(ctx))
	assert.Equal(t, Stats{}, m.Stats())
	assert.Empty(t, m.Debug())
	assert.Equal(t, 1, m.Clears())
	_, ok = m.Get("k")
	assert.False(t, ok)
}

func TestMemory_GetOrLoad(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryOptions{})
	calls := 0
	load := func(context.Context) ([]byte, error) {
		calls++
		return []byte("payload"), nil
	}

	for range 3 {
		data, err := m.GetOrLoad(ctx, "payload/1", load)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)
	}
	assert.Equal(t, 1, calls)

	boom := errors.New("job not found")
	_, err := m.GetOrLoad(ctx, "payload/2", func(context.Context) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	_, ok := m.Get("payload/2")
	assert.False(t, ok)
}

func TestMemory_FlushToBacking(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), 3600)
	require.NoError(t, err)
	m := NewMemory(MemoryOptions{Backing: store})

	m.Set("payload/1", []byte("a"))
	m.Set("payload/2", []byte("b"))
	assert.Equal(t, 2, m.Stats().Pending)

	require.NoError(t, m.Flush(ctx))
	assert.Equal(t, 0, m.Stats().Pending)
	assert.Equal(t, 2, m.Stats().Flushed)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, m.Clear(ctx))
	data, ok := m.Get("payload/1")
	require.True(t, ok, "misses fall back to the backing store")
	assert.Equal(t, []byte("a"), data)
}

func TestMemory_FlushWithoutBacking(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	m.Set("k", []byte("v"))
	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, 0, m.Stats().Pending)
}

func TestMemory_FlushCancelledKeepsPending(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 3600)
	require.NoError(t, err)
	m := NewMemory(MemoryOptions{Backing: store})
	m.Set("k", []byte("v"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Flush(ctx), context.Canceled)
	assert.Equal(t, 1, m.Stats().Pending)
}

func TestTTL(t *testing.T) {
	t.Run("validate", func(t *testing.T) {
		require.NoError(t, ValidateTTL(120))
		assert.ErrorIs(t, ValidateTTL(10), ErrInvalidTTL)
		assert.ErrorIs(t, ValidateTTL(MaxTTLSeconds+1), ErrInvalidTTL)
	})

	t.Run("FormatDuration", func(t *testing.T) {
		assert.Equal(t, "30s", FormatDuration(30*time.Second))
		assert.Equal(t, "5m", FormatDuration(5*time.Minute))
		assert.Equal(t, "2h", FormatDuration(2*time.Hour))
		assert.Equal(t, "2h30m", FormatDuration(2*time.Hour+30*time.Minute))
		assert.Equal(t, "7d", FormatDuration(168*time.Hour))
		assert.Equal(t, "3d2h", FormatDuration(74*time.Hour))
	})

	t.Run("ParseTTL", func(t *testing.T) {
		ttl, err := ParseTTL("3600")
		require.NoError(t, err)
		assert.Equal(t, 3600, ttl)

		ttl, err = ParseTTL("1h30m")
		require.NoError(t, err)
		assert.Equal(t, 5400, ttl)

		_, err = ParseTTL("10s")
		require.ErrorIs(t, err, ErrInvalidTTL)

		_, err = ParseTTL("soon")
		assert.Error(t, err)
	})
}
