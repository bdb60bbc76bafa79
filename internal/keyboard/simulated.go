package keyboard

import (
	"sync"
	"time"

	"chatterfix/internal/debounce"
)

// SimulatedSource is a source for testing that doesn't need a real device.
type SimulatedSource struct {
	events chan debounce.Event
	info   DeviceInfo

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSimulatedSource creates a source with room for buffer pending events.
func NewSimulatedSource(name string, buffer int) *SimulatedSource {
	return &SimulatedSource{
		events: make(chan debounce.Event, buffer),
		info: DeviceInfo{
			Path:       "/dev/input/simulated",
			Name:       name,
			Connection: ConnectionVirtual,
			HasEnter:   true,
		},
	}
}

// Events implements debounce.Source.
func (s *SimulatedSource) Events() <-chan debounce.Event { return s.events }

// Err returns the error passed to Fail, if any.
func (s *SimulatedSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SimulatedSource) Info() DeviceInfo { return s.info }

func (s *SimulatedSource) Capabilities() Capabilities {
	return Capabilities{Keys: []uint16{1, 28, 30, 48}}
}

// Send queues a raw event. It is a no-op once the source is closed.
func (s *SimulatedSource) Send(ev debounce.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Tap simulates a press followed by a release held for d.
func (s *SimulatedSource) Tap(key debounce.KeyID, at time.Time, d time.Duration) {
	s.Send(debounce.Press(key, at))
	s.Send(debounce.Release(key, at.Add(d)))
}

// Fail simulates the device disappearing.
func (s *SimulatedSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

func (s *SimulatedSource) Close() error {
	s.Fail(nil)
	return nil
}

// RecordingSink is a sink for testing that keeps everything written to it.
type RecordingSink struct {
	mu     sync.Mutex
	events []debounce.Event
	err    error
	closed bool
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements debounce.Sink.
func (r *RecordingSink) Emit(events ...debounce.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, events...)
	return nil
}

// FailWith makes every following Emit return err. Pass nil to recover.
func (r *RecordingSink) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Events returns a copy of everything written so far.
func (r *RecordingSink) Events() []debounce.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]debounce.Event(nil), r.events...)
}

// KeyEvents returns only the EV_KEY events written so far.
func (r *RecordingSink) KeyEvents() []debounce.Event {
	var out []debounce.Event
	for _, ev := range r.Events() {
		if ev.IsKey() {
			out = append(out, ev)
		}
	}
	return out
}

func (r *RecordingSink) Name() string { return "recording" }

func (r *RecordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
