package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatterfix/internal/debounce"
)

const (
	defaultRecorderBuffer = 256
	maxBatch              = 64
	writeTimeout          = 5 * time.Second
)

// Recorder writes chatter observations to a Store off the event loop. It
// implements debounce.Observer; Observe never blocks, and observations
// arriving while the buffer is full are dropped and counted.
type Recorder struct {
	store   *Store
	runID   string
	keyName func(debounce.KeyID) string
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan debounce.Observation
	done   chan struct{}

	chatter  atomic.Int64
	deferred atomic.Int64
	flushed  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewRecorder starts a recorder for runID. keyName may be nil.
func NewRecorder(store *Store, runID string, keyName func(debounce.KeyID) string, log *slog.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store:   store,
		runID:   runID,
		keyName: keyName,
		log:     log,
		ch:      make(chan debounce.Observation, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe implements debounce.Observer.
func (r *Recorder) Observe(o debounce.Observation) {
	switch o.Kind {
	case debounce.ObservedDeferred:
		r.deferred.Add(1)
		return
	case debounce.ObservedFlushed:
		r.flushed.Add(1)
		return
	case debounce.ObservedChatter:
		r.chatter.Add(1)
	default:
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- o:
	default:
		r.dropped.Add(1)
	}
}

// Totals returns the counters collected so far.
func (r *Recorder) Totals() RunTotals {
	return RunTotals{
		Chatter:  r.chatter.Load(),
		Deferred: r.deferred.Load(),
		Flushed:  r.flushed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Failed returns how many records could not be written.
func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}

// Close drains the buffer, waits for the writer and returns the totals.
func (r *Recorder) Close() RunTotals {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	<-r.done
	return r.Totals()
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]ChatterRecord, 0, maxBatch)
	for o := range r.ch {
		batch = append(batch, r.record(o))
		if len(batch) < maxBatch && len(r.ch) > 0 {
			continue
		}
		r.write(batch)
		batch = batch[:0]
	}
	r.write(batch)
}

func (r *Recorder) record(o debounce.Observation) ChatterRecord {
	name := ""
	if r.keyName != nil {
		name = r.keyName(o.Key)
	}
	return ChatterRecord{
		RunID:       r.runID,
		KeyCode:     uint16(o.Key),
		KeyName:     name,
		PressedAt:   o.PressedAt,
		ReleasedAt:  o.ReleasedAt,
		RepressedAt: o.At,
	}
}

func (r *Recorder) write(batch []ChatterRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.RecordChatterBatch(ctx, batch); err != nil {
		r.failed.Add(int64(len(batch)))
		r.log.Warn("Could not record chatter", "error", err, "records", len(batch))
	}
}
