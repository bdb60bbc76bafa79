//go:build linux

package keyboard

import (
	"fmt"
	"sync"

	evdev "github.com/holoplot/go-evdev"

	"chatterfix/internal/debounce"
)

// VirtualKeyboard is a uinput device that replays filtered events.
type VirtualKeyboard struct {
	mu   sync.Mutex
	dev  *evdev.InputDevice
	name string
}

// NewVirtualKeyboard creates a uinput keyboard advertising caps.
func NewVirtualKeyboard(name string, caps Capabilities) (*VirtualKeyboard, error) {
	if name == "" {
		name = DefaultVirtualName
	}
	if err := CheckUinput(); err != nil {
		return nil, err
	}

	keys := make([]evdev.EvCode, 0, len(caps.Keys))
	for _, k := range caps.Keys {
		keys = append(keys, evdev.EvCode(k))
	}
	capMap := map[evdev.EvType][]evdev.EvCode{
		evdev.EV_KEY: keys,
	}
	if caps.ScanCode {
		capMap[evdev.EV_MSC] = []evdev.EvCode{evdev.MSC_SCAN}
	}

	dev, err := evdev.CreateDevice(name, evdev.InputID{
		BusType: busUSB,
		Vendor:  0x1209,
		Product: 0xc4a7,
		Version: 1,
	}, capMap)
	if err != nil {
		return nil, fmt.Errorf("create virtual keyboard: %w", err)
	}
	return &VirtualKeyboard{dev: dev, name: name}, nil
}

// Name returns the device name other programs see.
func (v *VirtualKeyboard) Name() string {
	return v.name
}

// Emit implements debounce.Sink.
func (v *VirtualKeyboard) Emit(events ...debounce.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev == nil {
		return ErrClosed
	}
	for _, ev := range events {
		if err := v.dev.WriteOne(fromEvent(ev)); err != nil {
			return fmt.Errorf("write %s: %w", ev, err)
		}
	}
	return nil
}

// Close destroys the virtual device.
func (v *VirtualKeyboard) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev == nil {
		return nil
	}
	err := v.dev.Close()
	v.dev = nil
	return err
}
