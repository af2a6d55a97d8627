// ABOUTME: Keyboard and pointer activity counters shared by input sources and the status loop
// ABOUTME: Increments never block; snapshot and reset happen in one critical section

package agent

import "sync"

// Recorder receives input events from a Source.
type Recorder interface {
	RecordKey()
	RecordClick()
}

// Counts is a reading of the activity counters.
type Counts struct {
	KeyboardEvents int64
	MouseClicks    int64
}

// Active reports whether any input was seen.
func (c Counts) Active() bool {
	return c.KeyboardEvents > 0 || c.MouseClicks > 0
}

// Activity counts input events between status reports.
type Activity struct {
	mu     sync.Mutex
	counts Counts
}

// NewActivity returns zeroed counters.
func NewActivity() *Activity {
	return &Activity{}
}

// RecordKey counts one key press.
func (a *Activity) RecordKey() {
	a.mu.Lock()
	a.counts.KeyboardEvents++
	a.mu.Unlock()
}

// RecordClick counts one pointer button press.
func (a *Activity) RecordClick() {
	a.mu.Lock()
	a.counts.MouseClicks++
	a.mu.Unlock()
}

// Peek returns the counters without resetting them.
func (a *Activity) Peek() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// SnapshotAndReset returns the counters and zeroes them. Events recorded
// after the call land in the next snapshot.
func (a *Activity) SnapshotAndReset() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.counts
	a.counts = Counts{}
	return c
}

var _ Recorder = (*Activity)(nil)
