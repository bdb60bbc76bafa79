package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrLoopStopped is returned by Do once Run has returned.
var ErrLoopStopped = errors.New("event loop stopped")

// Source produces raw input events. The channel is closed when the device
// goes away; Err then reports why.
type Source interface {
	Events() <-chan Event
	Err() error
}

// Sink writes events to the virtual device. A batch is delivered as one
// unit to downstream readers.
type Sink interface {
	Emit(events ...Event) error
}

type controlRequest struct {
	fn   func(*Engine)
	done chan struct{}
}

// Loop feeds events and expiries to an Engine one at a time and writes the
// results to a Sink. Engine state is only touched from the goroutine
// running Run.
type Loop struct {
	engine *Engine
	source Source
	sink   Sink

	now       func() time.Time
	log       *slog.Logger
	observers []Observer

	control chan controlRequest
	done    chan struct{}
	started atomic.Bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithClock replaces time.Now for expiry timestamps.
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLoopLogger sets the loop's logger.
func WithLoopLogger(log *slog.Logger) LoopOption {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// WithLoopObserver registers an observer for passed keys and failed writes.
func WithLoopObserver(o Observer) LoopOption {
	return func(l *Loop) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// NewLoop creates a loop around engine. A Loop runs once.
func NewLoop(engine *Engine, source Source, sink Sink, opts ...LoopOption) *Loop {
	l := &Loop{
		engine:  engine,
		source:  source,
		sink:    sink,
		now:     time.Now,
		log:     slog.Default(),
		control: make(chan controlRequest),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run processes events until ctx is cancelled, the source ends, or a key
// code cannot be indexed. Held releases are flushed before it returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("event loop already started")
	}
	defer close(l.done)

	events := l.source.Events()
	for {
		var (
			timer    *time.Timer
			expired  <-chan time.Time
			deadline time.Time
			capped   bool
		)
		if entry, ok := l.engine.backlog.PeekEarliest(); ok {
			var wait time.Duration
			wait, capped = l.waitFor(entry)
			deadline = entry.ReleaseAt
			timer = time.NewTimer(wait)
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			l.flush()
			return ctx.Err()

		case ev, ok := <-events:
			stopTimer(timer)
			if !ok {
				l.flush()
				return l.exhausted()
			}
			if err := l.handleEvent(ev); err != nil {
				l.flush()
				return err
			}

		case <-expired:
			now := l.now()
			if !capped && now.Before(deadline) {
				continue
			}
			act := l.engine.HandleExpiry(now)
			l.write(act.Event, SynReportAt(now))

		case req := <-l.control:
			stopTimer(timer)
			req.fn(l.engine)
			close(req.done)
		}
	}
}

// Do runs fn on the loop goroutine between two events and waits for it.
func (l *Loop) Do(ctx context.Context, fn func(*Engine)) error {
	req := controlRequest{fn: fn, done: make(chan struct{})}
	select {
	case l.control <- req:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) handleEvent(ev Event) error {
	act, err := l.engine.HandleEvent(ev)
	if err != nil {
		return err
	}
	if act.Verdict != VerdictEmit {
		return nil
	}
	if l.write(act.Event) && act.Event.IsKey() {
		l.notify(Observation{Kind: ObservedPassed, Key: KeyID(act.Event.Code), At: act.Event.Time})
	}
	return nil
}

// write emits events and reports failures without stopping the loop.
func (l *Loop) write(events ...Event) bool {
	if err := l.sink.Emit(events...); err != nil {
		emitErr := &EmitError{Events: events, Err: err}
		l.log.Warn("Could not emit event", "error", emitErr)
		for _, ev := range events {
			if ev.IsKey() {
				l.notify(Observation{Kind: ObservedEmitFailed, Key: KeyID(ev.Code), At: ev.Time})
			}
		}
		return false
	}
	return true
}

func (l *Loop) flush() {
	now := l.now()
	releases := l.engine.Flush(now)
	if len(releases) == 0 {
		return
	}
	l.log.Info("flushing held releases", "count", len(releases))
	l.write(append(releases, SynReportAt(now))...)
}

func (l *Loop) exhausted() error {
	if err := l.source.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceExhausted, err)
	}
	return ErrSourceExhausted
}

// waitFor returns how long to sleep for entry. The sleep never exceeds the
// entry's own window: deadlines come from event timestamps, and a held
// release must not outlive a wall clock step. capped reports that the window
// was hit, in which case the entry is due when the timer fires.
func (l *Loop) waitFor(entry BacklogEntry) (wait time.Duration, capped bool) {
	wait = entry.ReleaseAt.Sub(l.now())
	if wait < 0 {
		return 0, false
	}
	if entry.Window > 0 && wait > entry.Window {
		return entry.Window, true
	}
	return wait, false
}

func (l *Loop) notify(o Observation) {
	for _, obs := range l.observers {
		obs.Observe(o)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
