package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr := &Tracker{now: func() time.Time { return now }}
	tr.Reset(10)

	s := tr.Snapshot()
	assert.Equal(t, 10, s.Total)
	assert.Zero(t, s.Processed)
	assert.Zero(t, s.JobsPerSecond)
	assert.Zero(t, s.Remaining)
	assert.False(t, tr.IsComplete())

	now = now.Add(4 * time.Second)
	tr.Add(4)
	s = tr.Snapshot()
	assert.InDelta(t, 40.0, s.PercentComplete, 0.001)
	assert.InDelta(t, 0.4, s.Ratio, 0.001)
	assert.InDelta(t, 1.0, s.JobsPerSecond, 0.001)
	assert.Equal(t, 6*time.Second, s.Remaining)
	assert.Equal(t, 4*time.Second, s.Elapsed)

	tr.Add(6)
	assert.True(t, tr.IsComplete())
	assert.Zero(t, tr.Snapshot().Remaining)

	tr.Reset(3)
	assert.Zero(t, tr.Snapshot().Processed)
}

func TestTracker_ZeroTotal(t *testing.T) {
	tr := NewTracker(0)
	assert.True(t, tr.IsComplete())
	assert.Zero(t, tr.Snapshot().PercentComplete)
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(100)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				tr.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, tr.Snapshot().Processed)
}

func TestBar(t *testing.T) {
	var out bytes.Buffer
	bar := NewBar(&out, "batch")

	bar.Start(3)
	for range 3 {
		bar.Tick()
	}
	bar.Finish()

	assert.Equal(t, 3, bar.Tracker().Snapshot().Processed)
	assert.NotEmpty(t, out.String())

	// A second Finish and a Tick after Finish are no-ops.
	bar.Finish()
	bar.Tick()
}

func TestBar_FinishWithoutStart(t *testing.T) {
	bar := NewBar(&bytes.Buffer{}, "")
	bar.Finish()
}

func TestBarModel_View(t *testing.T) {
	tr := NewTracker(4)
	tr.Add(2)
	m := barModel{title: "jobs", tracker: tr, bar: progress.New(progress.WithWidth(barWidth))}
	view := m.View()
	assert.Contains(t, view, "2/4")
	assert.Contains(t, view, "jobs/s")

	next, cmd := m.Update(finishMsg{})
	require.NotNil(t, cmd)
	assert.True(t, next.(barModel).finished)
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	rep := NewLogReporter(zerolog.New(&buf))

	rep.Start(20)
	for range 20 {
		rep.Tick()
	}
	rep.Finish()

	var messages []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		messages = append(messages, entry["message"].(string))
	}

	require.NotEmpty(t, messages)
	assert.Equal(t, "batch started", messages[0])
	assert.Equal(t, "batch finished", messages[len(messages)-1])
	// every 2 jobs, except the last which is covered by the finish line
	assert.Len(t, messages, 2+9)
}

func TestLogReporter_TickBeforeStart(t *testing.T) {
	rep := NewLogReporter(zerolog.Nop())
	rep.Tick()
	assert.Equal(t, 1, rep.Tracker().Snapshot().Processed)
}
