package opener

import (
	"sync"
	"time"
)

const (
	defaultWatchdogBound    = 120 * time.Second
	defaultManualResetAfter = 60 * time.Second
)

// Watchdog bounds how long one pipeline may stay non-terminal.
// It is armed for a single pipeline at a time and fires at most once per arming.
type Watchdog struct {
	bound       time.Duration
	manualAfter time.Duration

	mu         sync.Mutex
	armed      bool
	pipelineID string
	startedAt  time.Time
}

// NewWatchdog creates a disarmed watchdog. Zero durations use the defaults
// (120s automatic bound, manual reset offered after 60s).
func NewWatchdog(bound, manualAfter time.Duration) *Watchdog {
	if bound <= 0 {
		bound = defaultWatchdogBound
	}
	if manualAfter <= 0 {
		manualAfter = defaultManualResetAfter
	}
	return &Watchdog{bound: bound, manualAfter: manualAfter}
}

// Start arms the watchdog for pipelineID, replacing any previous arming.
func (w *Watchdog) Start(pipelineID string, startedAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = true
	w.pipelineID = pipelineID
	w.startedAt = startedAt
}

// Stop disarms the watchdog if it is armed for pipelineID.
func (w *Watchdog) Stop(pipelineID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pipelineID == pipelineID {
		w.armed = false
	}
}

// Check returns the armed pipeline ID once its bound is exceeded at now, and
// disarms. Later calls return false until the next Start.
func (w *Watchdog) Check(now time.Time) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed || now.Sub(w.startedAt) <= w.bound {
		return "", false
	}
	w.armed = false
	return w.pipelineID, true
}

// ManualResetAvailable reports whether the armed pipeline has been running
// longer than the manual-reset threshold.
func (w *Watchdog) ManualResetAvailable(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed && now.Sub(w.startedAt) > w.manualAfter
}
