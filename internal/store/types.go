// Package store keeps chatter statistics in a SQLite database.
//
// Every daemon session is a run. Each prevented chatter is recorded against
// its run with the press, the withheld release and the re-press that
// cancelled it, so gaps can be analysed per key later.
package store

import "time"

// Run is one daemon session on one device.
type Run struct {
	ID          string
	Device      string
	ThresholdMs int
	StartedAt   time.Time
	// EndedAt is zero while the run is active or if the daemon died.
	EndedAt time.Time
	RunTotals
}

// Active reports whether the run has not been ended.
func (r Run) Active() bool {
	return r.EndedAt.IsZero()
}

// RunTotals are the counters stored when a run ends.
type RunTotals struct {
	Chatter  int64
	Deferred int64
	Flushed  int64
	// Dropped counts chatter observations lost because the recorder was
	// behind.
	Dropped int64
}

// ChatterRecord is one prevented chatter.
type ChatterRecord struct {
	RunID   string
	KeyCode uint16
	KeyName string
	// PressedAt is the press before the withheld release. It may be zero.
	PressedAt   time.Time
	ReleasedAt  time.Time
	RepressedAt time.Time
}

// Gap is how long the switch bounced open.
func (c ChatterRecord) Gap() time.Duration {
	return c.RepressedAt.Sub(c.ReleasedAt)
}

// KeyStat aggregates chatter for one key.
type KeyStat struct {
	KeyCode uint16
	KeyName string
	Count   int64
	MinGap  time.Duration
	AvgGap  time.Duration
	Last    time.Time
}
