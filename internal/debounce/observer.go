package debounce

import "time"

// ObservationKind identifies what happened to a key transition.
type ObservationKind int

const (
	// ObservedPassed: a key event was written to the sink unchanged.
	ObservedPassed ObservationKind = iota
	// ObservedDeferred: a release came too soon after its press and is held.
	ObservedDeferred
	// ObservedChatter: a re-press cancelled a held release.
	ObservedChatter
	// ObservedFlushed: a held release expired and was written.
	ObservedFlushed
	// ObservedEmitFailed: the sink rejected a write.
	ObservedEmitFailed
)

func (k ObservationKind) String() string {
	switch k {
	case ObservedPassed:
		return "passed"
	case ObservedDeferred:
		return "deferred"
	case ObservedChatter:
		return "chatter"
	case ObservedFlushed:
		return "flushed"
	case ObservedEmitFailed:
		return "emit_failed"
	default:
		return "unknown"
	}
}

// Observation describes one decision for metrics and statistics.
// Observers run on the loop goroutine and must not block.
type Observation struct {
	Kind ObservationKind
	Key  KeyID

	// PressedAt is the press the decision relates to, when known.
	PressedAt time.Time
	// ReleasedAt is the withheld release, for deferred, chatter and flushed.
	ReleasedAt time.Time
	// At is when the decision was taken: the re-press for chatter, the
	// flush time for flushed, the event time otherwise.
	At time.Time
}

// Gap is the time the switch spent open before it closed again.
func (o Observation) Gap() time.Duration {
	if o.ReleasedAt.IsZero() || o.At.IsZero() {
		return 0
	}
	return o.At.Sub(o.ReleasedAt)
}

// Observer receives engine and loop observations.
type Observer interface {
	Observe(Observation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Observation)

func (f ObserverFunc) Observe(o Observation) { f(o) }
