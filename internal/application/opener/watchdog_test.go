package opener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdog_FiresOnceAfterBound(t *testing.T) {
	w := NewWatchdog(120*time.Second, 60*time.Second)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Start("p1", start)

	_, fired := w.Check(start.Add(120 * time.Second))
	assert.False(t, fired, "exactly at the bound is not past it")

	id, fired := w.Check(start.Add(121 * time.Second))
	assert.True(t, fired)
	assert.Equal(t, "p1", id)
	assert.False(t, w.ManualResetAvailable(start.Add(121*time.Second)), "disarmed after firing")

	_, fired = w.Check(start.Add(300 * time.Second))
	assert.False(t, fired)
}

func TestWatchdog_StopOnlyMatchingPipeline(t *testing.T) {
	w := NewWatchdog(0, 0)
	start := time.Now()
	w.Start("p2", start)

	w.Stop("p1")
	assert.True(t, w.ManualResetAvailable(start.Add(time.Hour)), "still guarding p2")

	w.Stop("p2")
	_, fired := w.Check(start.Add(time.Hour))
	assert.False(t, fired)
}

func TestWatchdog_ManualResetAvailable(t *testing.T) {
	w := NewWatchdog(0, 0)
	start := time.Now()
	assert.False(t, w.ManualResetAvailable(start.Add(time.Hour)), "disarmed")

	w.Start("p", start)
	assert.False(t, w.ManualResetAvailable(start.Add(59*time.Second)))
	assert.True(t, w.ManualResetAvailable(start.Add(61*time.Second)))

	_, fired := w.Check(start.Add(61 * time.Second))
	assert.False(t, fired, "the manual flag does not shorten the automatic bound")
}

func TestWatchdog_StartReplacesPrevious(t *testing.T) {
	w := NewWatchdog(time.Second, time.Second)
	start := time.Now()
	w.Start("old", start)
	w.Start("new", start.Add(10*time.Second))

	_, fired := w.Check(start.Add(10500 * time.Millisecond))
	assert.False(t, fired)

	id, fired := w.Check(start.Add(12 * time.Second))
	assert.True(t, fired)
	assert.Equal(t, "new", id)
}
