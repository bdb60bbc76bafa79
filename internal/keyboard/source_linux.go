//go:build linux

package keyboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	evdev "github.com/holoplot/go-evdev"

	"chatterfix/internal/debounce"
)

const sourceBuffer = 64

// DeviceSource reads raw events from a grabbed evdev device. While it is
// open no other reader sees the device's events.
type DeviceSource struct {
	dev  *evdev.InputDevice
	info DeviceInfo
	caps Capabilities
	log  *slog.Logger

	events chan debounce.Event
	done   chan struct{}
	stop   func() bool

	mu     sync.Mutex
	err    error
	closed bool
}

// OpenSource opens and grabs the device at path and starts reading from it.
// The source closes itself when ctx is cancelled.
func OpenSource(ctx context.Context, path string, log *slog.Logger) (*DeviceSource, error) {
	if log == nil {
		log = slog.Default()
	}
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	if err := dev.Grab(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("grab %s: %w", path, err)
	}

	s := &DeviceSource{
		dev:    dev,
		info:   describe(dev, path),
		caps:   capabilities(dev),
		log:    log.With("device", path),
		events: make(chan debounce.Event, sourceBuffer),
		done:   make(chan struct{}),
	}
	s.stop = context.AfterFunc(ctx, func() { s.Close() })

	s.log.Info("grabbed keyboard", "name", s.info.Name, "keys", len(s.caps.Keys))
	go s.read()
	return s, nil
}

// Events implements debounce.Source.
func (s *DeviceSource) Events() <-chan debounce.Event {
	return s.events
}

// Err returns why the event channel was closed.
func (s *DeviceSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Info describes the grabbed device.
func (s *DeviceSource) Info() DeviceInfo {
	return s.info
}

// SupportedKeys returns the key codes the device can report.
func (s *DeviceSource) SupportedKeys() []uint16 {
	return s.caps.Keys
}

// Capabilities returns what a mirroring virtual device must advertise.
func (s *DeviceSource) Capabilities() Capabilities {
	return s.caps
}

// Close releases the grab and closes the device. The event channel is
// closed once the reader goroutine notices.
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	close(s.done)
	if err := s.dev.Ungrab(); err != nil {
		s.log.Debug("ungrab failed", "error", err)
	}
	return s.dev.Close()
}

func (s *DeviceSource) read() {
	defer close(s.events)
	for {
		ev, err := s.dev.ReadOne()
		if err != nil {
			s.fail(err)
			return
		}
		select {
		case s.events <- toEvent(ev):
		case <-s.done:
			s.fail(ErrClosed)
			return
		}
	}
}

func (s *DeviceSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		err = ErrClosed
	} else {
		s.log.Warn("keyboard read failed", "error", err)
	}
	if s.err == nil {
		s.err = err
	}
}
