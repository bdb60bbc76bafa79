package daemon

import (
	"context"
	"log/slog"

	"chatterfix/internal/debounce"
	"chatterfix/internal/keyboard"
)

// Source is a grabbed input device.
type Source interface {
	debounce.Source
	Info() keyboard.DeviceInfo
	Capabilities() keyboard.Capabilities
	Close() error
}

// Sink is the virtual keyboard events are replayed on.
type Sink interface {
	debounce.Sink
	Name() string
	Close() error
}

// Devices finds, opens and creates input devices. The daemon only touches
// hardware through it.
type Devices interface {
	Find(match, exclude string) (keyboard.DeviceInfo, error)
	Wait(ctx context.Context, match, exclude string) (keyboard.DeviceInfo, error)
	Open(ctx context.Context, info keyboard.DeviceInfo) (Source, error)
	NewSink(name string, caps keyboard.Capabilities) (Sink, error)
}

// Hardware returns the evdev/uinput implementation of Devices.
func Hardware(log *slog.Logger) Devices {
	return evdevDevices{log: log}
}

type evdevDevices struct {
	log *slog.Logger
}

func (h evdevDevices) Find(match, exclude string) (keyboard.DeviceInfo, error) {
	return keyboard.FindKeyboard(match, exclude)
}

func (h evdevDevices) Wait(ctx context.Context, match, exclude string) (keyboard.DeviceInfo, error) {
	return keyboard.WaitForDevice(ctx, match, exclude, h.log)
}

func (h evdevDevices) Open(ctx context.Context, info keyboard.DeviceInfo) (Source, error) {
	src, err := keyboard.OpenSource(ctx, info.Path, h.log)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (h evdevDevices) NewSink(name string, caps keyboard.Capabilities) (Sink, error) {
	vk, err := keyboard.NewVirtualKeyboard(name, caps)
	if err != nil {
		return nil, err
	}
	return vk, nil
}
