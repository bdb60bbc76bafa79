package debounce

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	ch  chan Event
	err error
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan Event, 16)}
}

func (s *chanSource) Events() <-chan Event { return s.ch }
func (s *chanSource) Err() error           { return s.err }

type written struct {
	event Event
	at    time.Time
}

type recordingSink struct {
	mu      sync.Mutex
	events  []written
	failing int
}

func (s *recordingSink) Emit(events ...Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing > 0 {
		s.failing--
		return io.ErrClosedPipe
	}
	now := time.Now()
	for _, ev := range events {
		s.events = append(s.events, written{event: ev, at: now})
	}
	return nil
}

func (s *recordingSink) keys() []written {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []written
	for _, w := range s.events {
		if w.event.IsKey() {
			out = append(out, w)
		}
	}
	return out
}

type syncObservations struct {
	mu  sync.Mutex
	obs observations
}

func (o *syncObservations) Observe(obs Observation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obs = append(o.obs, obs)
}

func (o *syncObservations) count(kind ObservationKind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.obs.count(kind)
}

func startLoop(t *testing.T, loop *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestLoopFlushesHeldReleaseAfterThreshold(t *testing.T) {
	const threshold = 40 * time.Millisecond
	src := newChanSource()
	sink := &recordingSink{}
	loop := NewLoop(NewEngine(threshold), src, sink)
	_, errc := startLoop(t, loop)

	base := time.Now()
	src.ch <- Press(keyA, base)
	src.ch <- Release(keyA, base.Add(5*time.Millisecond))

	require.Eventually(t, func() bool { return len(sink.keys()) == 2 }, time.Second, 2*time.Millisecond)

	keys := sink.keys()
	assert.Equal(t, Press(keyA, base), keys[0].event)
	assert.Equal(t, int32(0), keys[1].event.Value)
	assert.Equal(t, uint16(keyA), keys[1].event.Code)
	assert.GreaterOrEqual(t, keys[1].at.Sub(base), threshold-2*time.Millisecond)

	// Exactly one release, followed by a SYN_REPORT.
	time.Sleep(2 * threshold)
	assert.Len(t, sink.keys(), 2)
	sink.mu.Lock()
	last := sink.events[len(sink.events)-1].event
	sink.mu.Unlock()
	assert.Equal(t, EvSyn, last.Type)

	select {
	case err := <-errc:
		t.Fatalf("loop exited early: %v", err)
	default:
	}
}

func TestLoopSuppressesChatter(t *testing.T) {
	src := newChanSource()
	sink := &recordingSink{}
	var obs syncObservations
	loop := NewLoop(NewEngine(30*time.Millisecond, WithObserver(&obs)), src, sink)
	cancel, errc := startLoop(t, loop)

	base := time.Now()
	src.ch <- Press(keyA, base)
	src.ch <- Release(keyA, base.Add(5*time.Millisecond))
	src.ch <- Press(keyA, base.Add(12*time.Millisecond))

	require.Eventually(t, func() bool { return obs.count(ObservedChatter) == 1 }, time.Second, time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	keys := sink.keys()
	require.Len(t, keys, 1)
	assert.Equal(t, Press(keyA, base), keys[0].event)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Len(t, sink.keys(), 1)
}

func TestLoopLongHoldHasNoDelay(t *testing.T) {
	src := newChanSource()
	sink := &recordingSink{}
	loop := NewLoop(NewEngine(30*time.Millisecond), src, sink)
	startLoop(t, loop)

	base := time.Now().Add(-time.Second)
	src.ch <- Press(keyB, base)
	src.ch <- Release(keyB, base.Add(50*time.Millisecond))

	require.Eventually(t, func() bool { return len(sink.keys()) == 2 }, 200*time.Millisecond, time.Millisecond)
	assert.Equal(t, Release(keyB, base.Add(50*time.Millisecond)), sink.keys()[1].event)
}

func TestLoopSourceExhaustedFlushesPending(t *testing.T) {
	src := newChanSource()
	src.err = io.ErrUnexpectedEOF
	sink := &recordingSink{}
	loop := NewLoop(NewEngine(time.Second), src, sink)
	_, errc := startLoop(t, loop)

	base := time.Now()
	src.ch <- Press(keyA, base)
	src.ch <- Release(keyA, base.Add(time.Millisecond))
	close(src.ch)

	var err error
	select {
	case err = <-errc:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.ErrorIs(t, err, ErrSourceExhausted)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	keys := sink.keys()
	require.Len(t, keys, 2)
	assert.Equal(t, int32(0), keys[1].event.Value)
}

func TestLoopStopsOnOutOfRangeKey(t *testing.T) {
	src := newChanSource()
	loop := NewLoop(NewEngine(0), src, &recordingSink{})
	_, errc := startLoop(t, loop)

	src.ch <- Press(HistoryCapacity+5, time.Now())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrKeyOutOfRange)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopSurvivesEmitFailure(t *testing.T) {
	src := newChanSource()
	sink := &recordingSink{failing: 1}
	var obs syncObservations
	loop := NewLoop(NewEngine(0), src, sink, WithLoopObserver(&obs))
	startLoop(t, loop)

	base := time.Now().Add(-time.Second)
	src.ch <- Press(keyA, base)
	src.ch <- Press(keyB, base)

	require.Eventually(t, func() bool { return len(sink.keys()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint16(keyB), sink.keys()[0].event.Code)
	assert.Equal(t, 1, obs.count(ObservedEmitFailed))
	assert.Equal(t, 1, obs.count(ObservedPassed))
}

func TestLoopDoRunsOnLoopGoroutine(t *testing.T) {
	src := newChanSource()
	engine := NewEngine(30 * time.Millisecond)
	loop := NewLoop(engine, src, &recordingSink{})
	cancel, errc := startLoop(t, loop)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	var pending int
	require.NoError(t, loop.Do(ctx, func(e *Engine) {
		e.SetThreshold(80 * time.Millisecond)
		pending = e.Pending()
	}))
	assert.Zero(t, pending)

	cancel()
	<-errc
	assert.Equal(t, 80*time.Millisecond, engine.Threshold())
	assert.True(t, errors.Is(loop.Do(ctx, func(*Engine) {}), ErrLoopStopped))
}

func TestLoopRunsOnce(t *testing.T) {
	loop := NewLoop(NewEngine(0), newChanSource(), &recordingSink{})
	cancel, errc := startLoop(t, loop)
	cancel()
	<-errc

	assert.Error(t, loop.Run(context.Background()))
}

func TestLoopWaitNeverExceedsThreshold(t *testing.T) {
	src := newChanSource()
	sink := &recordingSink{}
	loop := NewLoop(NewEngine(30*time.Millisecond), src, sink)
	startLoop(t, loop)

	// Device clock an hour ahead of the host.
	start := time.Now()
	ahead := start.Add(time.Hour)
	src.ch <- Press(keyA, ahead)
	src.ch <- Release(keyA, ahead.Add(time.Millisecond))

	require.Eventually(t, func() bool { return len(sink.keys()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Less(t, sink.keys()[1].at.Sub(start), 500*time.Millisecond)
}

func TestLoopLoweredThresholdKeepsHeldDeadline(t *testing.T) {
	const threshold = 200 * time.Millisecond
	src := newChanSource()
	sink := &recordingSink{}
	engine := NewEngine(threshold)
	loop := NewLoop(engine, src, sink)
	startLoop(t, loop)

	base := time.Now()
	src.ch <- Press(keyA, base)
	src.ch <- Release(keyA, base.Add(time.Millisecond))

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.Eventually(t, func() bool {
		var pending int
		err := loop.Do(ctx, func(e *Engine) { pending = e.Pending() })
		return err == nil && pending == 1
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, loop.Do(ctx, func(e *Engine) { e.SetThreshold(10 * time.Millisecond) }))

	require.Eventually(t, func() bool { return len(sink.keys()) == 2 }, 2*time.Second, 2*time.Millisecond)
	released := sink.keys()[1]
	assert.Equal(t, int32(0), released.event.Value)
	assert.GreaterOrEqual(t, released.at.Sub(base), threshold-5*time.Millisecond)

	// Releases withheld after the change use the new threshold.
	next := time.Now()
	src.ch <- Press(keyB, next)
	src.ch <- Release(keyB, next.Add(time.Millisecond))
	require.Eventually(t, func() bool { return len(sink.keys()) == 4 }, time.Second, 2*time.Millisecond)
	assert.Less(t, sink.keys()[3].at.Sub(next), threshold/2)
}
