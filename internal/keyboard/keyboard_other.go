//go:build !linux

package keyboard

import (
	"context"
	"log/slog"

	"chatterfix/internal/debounce"
)

// DeviceSource is unavailable on this platform.
type DeviceSource struct{}

func OpenSource(ctx context.Context, path string, log *slog.Logger) (*DeviceSource, error) {
	return nil, ErrNotAvailable
}

func (s *DeviceSource) Events() <-chan debounce.Event { return nil }
func (s *DeviceSource) Err() error                    { return ErrNotAvailable }
func (s *DeviceSource) Info() DeviceInfo              { return DeviceInfo{} }
func (s *DeviceSource) SupportedKeys() []uint16       { return nil }
func (s *DeviceSource) Capabilities() Capabilities    { return Capabilities{} }
func (s *DeviceSource) Close() error                  { return nil }

// VirtualKeyboard is unavailable on this platform.
type VirtualKeyboard struct{}

func NewVirtualKeyboard(name string, caps Capabilities) (*VirtualKeyboard, error) {
	return nil, ErrNotAvailable
}

func (v *VirtualKeyboard) Name() string                        { return "" }
func (v *VirtualKeyboard) Emit(events ...debounce.Event) error { return ErrNotAvailable }
func (v *VirtualKeyboard) Close() error                        { return nil }

func ListKeyboards() ([]DeviceInfo, error) {
	return nil, ErrNotAvailable
}

func FindKeyboard(match, exclude string) (DeviceInfo, error) {
	return DeviceInfo{}, ErrNotAvailable
}

func WaitForDevice(ctx context.Context, match, exclude string, log *slog.Logger) (DeviceInfo, error) {
	return DeviceInfo{}, ErrNotAvailable
}

func CheckUinput() error {
	return ErrNotAvailable
}

func KeyName(code uint16) string {
	return fallbackKeyName(code)
}
