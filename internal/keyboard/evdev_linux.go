//go:build linux

package keyboard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"syscall"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"

	"chatterfix/internal/debounce"
)

const uinputPath = "/dev/uinput"

// ListKeyboards returns every input device with an Enter key. Devices that
// cannot be opened are skipped.
func ListKeyboards() ([]DeviceInfo, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}
		info := describe(dev, p.Path)
		dev.Close()
		if info.HasEnter {
			devices = append(devices, info)
		}
	}
	return devices, nil
}

// FindKeyboard returns the first keyboard whose name contains match,
// ignoring the device named exclude.
func FindKeyboard(match, exclude string) (DeviceInfo, error) {
	devices, err := ListKeyboards()
	if err != nil {
		return DeviceInfo{}, err
	}
	return selectKeyboard(devices, match, exclude)
}

// CheckUinput reports whether virtual devices can be created.
func CheckUinput() error {
	if err := unix.Access(uinputPath, unix.W_OK); err != nil {
		if os.Geteuid() != 0 {
			return fmt.Errorf("%w: cannot write %s (run as root or add a udev rule): %v",
				ErrPermissionDenied, uinputPath, err)
		}
		return fmt.Errorf("%s: %w", uinputPath, err)
	}
	return nil
}

// KeyName returns the kernel name of a key code, such as KEY_A.
func KeyName(code uint16) string {
	ev := evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.EvCode(code)}
	if name := ev.CodeName(); name != "" {
		return name
	}
	return fallbackKeyName(code)
}

func describe(dev *evdev.InputDevice, path string) DeviceInfo {
	info := DeviceInfo{Path: path}
	info.Name, _ = dev.Name()
	info.Phys, _ = dev.PhysicalLocation()
	if id, err := dev.InputID(); err == nil {
		info.BusType = id.BusType
		info.Vendor = id.Vendor
		info.Product = id.Product
		info.Version = id.Version
	}
	info.Connection = connectionType(info.BusType, info.Phys)

	keys := dev.CapableEvents(evdev.EV_KEY)
	info.KeyCount = len(keys)
	info.HasEnter = slices.Contains(keys, evdev.KEY_ENTER)
	return info
}

func capabilities(dev *evdev.InputDevice) Capabilities {
	var caps Capabilities
	for _, c := range dev.CapableEvents(evdev.EV_KEY) {
		caps.Keys = append(caps.Keys, uint16(c))
	}
	caps.ScanCode = slices.Contains(dev.CapableEvents(evdev.EV_MSC), evdev.MSC_SCAN)
	return caps
}

func openError(path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: open %s: %v", ErrPermissionDenied, path, err)
	}
	return fmt.Errorf("open %s: %w", path, err)
}

func toEvent(ev *evdev.InputEvent) debounce.Event {
	sec, nsec := ev.Time.Unix()
	return debounce.Event{
		Type:  uint16(ev.Type),
		Code:  uint16(ev.Code),
		Value: ev.Value,
		Time:  time.Unix(sec, nsec),
	}
}

func fromEvent(ev debounce.Event) *evdev.InputEvent {
	out := &evdev.InputEvent{
		Type:  evdev.EvType(ev.Type),
		Code:  evdev.EvCode(ev.Code),
		Value: ev.Value,
	}
	if !ev.Time.IsZero() {
		out.Time = syscall.NsecToTimeval(ev.Time.UnixNano())
	}
	return out
}
