package debounce

import (
	"log/slog"
	"strconv"
	"time"
)

// DefaultThreshold is used when no threshold is configured.
const DefaultThreshold = 30 * time.Millisecond

// Engine decides what to do with each key transition. It is not safe for
// concurrent use; the Loop owns it.
type Engine struct {
	threshold time.Duration
	history   *PressHistory
	backlog   *Backlog

	log       *slog.Logger
	keyName   func(KeyID) string
	observers []Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithObserver registers an observer for engine decisions.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithKeyNames sets the function used to name keys in log lines.
func WithKeyNames(f func(KeyID) string) Option {
	return func(e *Engine) {
		if f != nil {
			e.keyName = f
		}
	}
}

// NewEngine creates an engine with its own history and backlog. A
// non-positive threshold selects DefaultThreshold.
func NewEngine(threshold time.Duration, opts ...Option) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	e := &Engine{
		threshold: threshold,
		history:   NewPressHistory(),
		backlog:   NewBacklog(),
		log:       slog.Default(),
		keyName:   func(k KeyID) string { return strconv.Itoa(int(k)) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the current threshold.
func (e *Engine) Threshold() time.Duration {
	return e.threshold
}

// SetThreshold changes the threshold for releases seen from now on. Held
// releases keep the deadline they were given.
func (e *Engine) SetThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	e.threshold = d
}

// Pending returns the number of held releases.
func (e *Engine) Pending() int {
	return e.backlog.Len()
}

// NextDeadline returns when the earliest held release expires.
func (e *Engine) NextDeadline() (time.Time, bool) {
	entry, ok := e.backlog.PeekEarliest()
	if !ok {
		return time.Time{}, false
	}
	return entry.ReleaseAt, true
}

// HandleEvent classifies one raw event. Non-key events and autorepeats are
// emitted untouched. The only error is ErrKeyOutOfRange.
func (e *Engine) HandleEvent(ev Event) (Action, error) {
	k, ok := ev.Key()
	if !ok {
		return Emit(ev), nil
	}
	if !InRange(k.Key) {
		return None, keyRangeError(k.Key)
	}

	switch k.Kind {
	case KindPress:
		return e.handlePress(ev, k), nil
	case KindRelease:
		return e.handleRelease(ev, k), nil
	default:
		return Emit(ev), nil
	}
}

func (e *Engine) handlePress(ev Event, k KeyEvent) Action {
	if entry, ok := e.backlog.RemoveByKey(k.Key); ok {
		pressed, _ := e.history.LastPress(k.Key)
		obs := Observation{
			Kind:       ObservedChatter,
			Key:        k.Key,
			PressedAt:  pressed,
			ReleasedAt: entry.ReleasedAt,
			At:         k.Time,
		}
		e.log.Info("Chatter prevented",
			"key", e.keyName(k.Key),
			"code", k.Key,
			"gap", obs.Gap(),
		)
		e.notify(obs)
		return Suppress
	}

	_ = e.history.RecordPress(k.Key, k.Time)
	return Emit(ev)
}

func (e *Engine) handleRelease(ev Event, k KeyEvent) Action {
	if e.backlog.Contains(k.Key) {
		e.log.Debug("release already held", "key", e.keyName(k.Key))
		return None
	}

	pressed, _ := e.history.LastPress(k.Key)
	if pressed.IsZero() {
		return Emit(ev)
	}

	if held := k.Time.Sub(pressed); held < e.threshold {
		e.backlog.Push(BacklogEntry{
			Key:        k.Key,
			ReleaseAt:  pressed.Add(e.threshold),
			ReleasedAt: k.Time,
			Window:     e.threshold,
		})
		e.log.Debug("release held",
			"key", e.keyName(k.Key),
			"held", held,
			"pending", e.backlog.Len(),
		)
		e.notify(Observation{
			Kind:       ObservedDeferred,
			Key:        k.Key,
			PressedAt:  pressed,
			ReleasedAt: k.Time,
			At:         k.Time,
		})
		return None
	}

	return Emit(ev)
}

// HandleExpiry flushes the earliest held release. The caller must only call
// it when the backlog is non-empty and the earliest deadline has passed.
func (e *Engine) HandleExpiry(now time.Time) Action {
	entry := e.backlog.PopEarliest()
	pressed, _ := e.history.LastPress(entry.Key)
	e.notify(Observation{
		Kind:       ObservedFlushed,
		Key:        entry.Key,
		PressedAt:  pressed,
		ReleasedAt: entry.ReleasedAt,
		At:         now,
	})
	return Emit(Release(entry.Key, now))
}

// Flush releases every held key immediately, earliest deadline first.
func (e *Engine) Flush(now time.Time) []Event {
	entries := e.backlog.Drain()
	if len(entries) == 0 {
		return nil
	}
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		events = append(events, Release(entry.Key, now))
		e.notify(Observation{
			Kind:       ObservedFlushed,
			Key:        entry.Key,
			ReleasedAt: entry.ReleasedAt,
			At:         now,
		})
	}
	return events
}

func (e *Engine) notify(o Observation) {
	for _, obs := range e.observers {
		obs.Observe(o)
	}
}
