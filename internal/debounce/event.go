// Package debounce filters switch chatter out of a keyboard event stream.
//
// The Engine decides, for every key transition, whether to pass it through,
// swallow it, or hold it back until the switch has had time to settle. The
// Loop merges raw device events with the expiry of held releases into one
// ordered sequence of Engine calls and writes the results to a Sink.
//
// Only releases are ever delayed. A press is either emitted immediately or,
// when it re-closes a switch whose release is still being held, suppressed
// together with that release.
package debounce

import (
	"fmt"
	"time"
)

// Linux input event types and codes used by the engine.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01

	SynReport uint16 = 0
)

// Key event values as reported by evdev.
const (
	valueRelease int32 = 0
	valuePress   int32 = 1
	valueRepeat  int32 = 2
)

// Event is a raw input event as read from or written to an input device.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
	Time  time.Time
}

// IsKey reports whether the event is an EV_KEY transition.
func (e Event) IsKey() bool {
	return e.Type == EvKey
}

// Key converts the event into a KeyEvent. The second return value is false
// for non-key events.
func (e Event) Key() (KeyEvent, bool) {
	if !e.IsKey() {
		return KeyEvent{}, false
	}
	kind := KindRepeat
	switch e.Value {
	case valuePress:
		kind = KindPress
	case valueRelease:
		kind = KindRelease
	}
	return KeyEvent{Key: KeyID(e.Code), Kind: kind, Time: e.Time}, true
}

func (e Event) String() string {
	return fmt.Sprintf("type=%d code=%d value=%d", e.Type, e.Code, e.Value)
}

// KeyID is a raw evdev key code.
type KeyID uint16

// Kind is the direction of a key transition.
type Kind int

const (
	KindPress Kind = iota
	KindRelease
	KindRepeat
)

func (k Kind) String() string {
	switch k {
	case KindPress:
		return "press"
	case KindRelease:
		return "release"
	case KindRepeat:
		return "repeat"
	default:
		return "unknown"
	}
}

// KeyEvent is a single key transition.
type KeyEvent struct {
	Key  KeyID
	Kind Kind
	Time time.Time
}

// Event converts the transition back into a raw EV_KEY event.
func (k KeyEvent) Event() Event {
	v := valueRepeat
	switch k.Kind {
	case KindPress:
		v = valuePress
	case KindRelease:
		v = valueRelease
	}
	return Event{Type: EvKey, Code: uint16(k.Key), Value: v, Time: k.Time}
}

// Press builds a press event for key at t.
func Press(key KeyID, t time.Time) Event {
	return KeyEvent{Key: key, Kind: KindPress, Time: t}.Event()
}

// Release builds a release event for key at t.
func Release(key KeyID, t time.Time) Event {
	return KeyEvent{Key: key, Kind: KindRelease, Time: t}.Event()
}

// SynReportAt builds the SYN_REPORT that terminates an event batch.
func SynReportAt(t time.Time) Event {
	return Event{Type: EvSyn, Code: SynReport, Time: t}
}

// Verdict is what the engine decided to do with an event.
type Verdict int

const (
	// VerdictNone means nothing is emitted yet; the event is being held.
	VerdictNone Verdict = iota
	// VerdictEmit means Action.Event must be written to the sink.
	VerdictEmit
	// VerdictSuppress means the event was chatter and is dropped.
	VerdictSuppress
)

func (v Verdict) String() string {
	switch v {
	case VerdictEmit:
		return "emit"
	case VerdictSuppress:
		return "suppress"
	default:
		return "none"
	}
}

// Action is the result of one engine decision.
type Action struct {
	Verdict Verdict
	Event   Event
}

// Emit returns an action that writes ev.
func Emit(ev Event) Action {
	return Action{Verdict: VerdictEmit, Event: ev}
}

// Suppress is the action for a swallowed chatter press.
var Suppress = Action{Verdict: VerdictSuppress}

// None is the action for a release that is being held back.
var None = Action{Verdict: VerdictNone}
