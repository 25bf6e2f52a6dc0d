package tasks

import (
	"sync"
	"time"
)

// ProgressTracker coalesces raw per-item progress events into a bounded
// number of callback invocations: at most one per minInterval and at most
// maxUpdates per run, with completion always passing through. The tracker
// is a coalescer, not a scheduler; the callback (normally the manager's
// UpdateProgress) does the fan-out.
type ProgressTracker struct {
	mu         sync.Mutex
	total      int
	processed  int
	minGap     time.Duration
	maxUpdates int
	updates    int
	lastReport time.Time
	report     func(percent int)
	now        func() time.Time
}

// NewProgressTracker creates a tracker over total items reporting through
// the callback.
func NewProgressTracker(total int, minInterval time.Duration, maxUpdates int, report func(percent int)) *ProgressTracker {
	if minInterval <= 0 {
		minInterval = 100 * time.Millisecond
	}
	if maxUpdates <= 0 {
		maxUpdates = 100
	}
	return &ProgressTracker{
		total:      total,
		minGap:     minInterval,
		maxUpdates: maxUpdates,
		report:     report,
		now:        time.Now,
	}
}

// SetTotal fixes the item count once the source has preloaded. Replay
// sources only know their size after loading, so the tracker is created
// first and sized here.
func (t *ProgressTracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}

// Tick records one processed item and reports when the throttle allows.
// Reaching the final item always reports 100%.
func (t *ProgressTracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed++
	finished := t.total > 0 && t.processed >= t.total

	if !finished {
		if t.updates >= t.maxUpdates {
			return
		}
		if t.now().Sub(t.lastReport) < t.minGap {
			return
		}
	}

	t.lastReport = t.now()
	t.updates++

	percent := 0
	if t.total > 0 {
		percent = t.processed * 100 / t.total
	}
	if percent > 100 {
		percent = 100
	}
	if t.report != nil {
		t.report(percent)
	}
}

// Processed returns how many items have been recorded.
func (t *ProgressTracker) Processed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed
}
