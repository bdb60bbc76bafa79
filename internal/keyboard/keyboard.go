// Package keyboard connects the debounce engine to real input devices.
//
// Platform support:
// - Linux: reads /dev/input/event* through evdev and writes through uinput
//   (requires the input group or root, and write access to /dev/uinput)
// - Other platforms: every device operation returns ErrNotAvailable
package keyboard

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultVirtualName is the name of the uinput device chatterfix creates.
const DefaultVirtualName = "Chatter Fix Emulated Keyboard"

var (
	ErrNoDevice         = errors.New("no matching keyboard found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotAvailable     = errors.New("keyboard access not available on this platform")
	ErrClosed           = errors.New("device closed")
)

// Linux bus types from linux/input.h.
const (
	busUSB       uint16 = 0x03
	busBluetooth uint16 = 0x05
	busVirtual   uint16 = 0x06
	busI8042     uint16 = 0x11
	busHost      uint16 = 0x19
	busRMI       uint16 = 0x1d
)

// DeviceInfo describes one keyboard-like input device.
type DeviceInfo struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Phys    string `json:"phys,omitempty"`
	BusType uint16 `json:"bus_type"`
	Vendor  uint16 `json:"vendor_id"`
	Product uint16 `json:"product_id"`
	Version uint16 `json:"version"`

	Connection ConnectionType `json:"connection"`
	KeyCount   int            `json:"key_count"`
	HasEnter   bool           `json:"has_enter"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s, %04x:%04x, %s)", d.Name, d.Path, d.Vendor, d.Product, d.Connection)
}

// ConnectionType indicates how the keyboard is connected.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionUSB
	ConnectionBluetooth
	ConnectionPS2
	ConnectionInternal
	ConnectionVirtual
)

func (ct ConnectionType) String() string {
	switch ct {
	case ConnectionUSB:
		return "USB"
	case ConnectionBluetooth:
		return "Bluetooth"
	case ConnectionPS2:
		return "PS/2"
	case ConnectionInternal:
		return "Internal"
	case ConnectionVirtual:
		return "Virtual"
	default:
		return "Unknown"
	}
}

// MarshalText renders the connection type by name.
func (ct ConnectionType) MarshalText() ([]byte, error) {
	return []byte(ct.String()), nil
}

// IsPhysical returns true for hardware connections.
func (ct ConnectionType) IsPhysical() bool {
	switch ct {
	case ConnectionUSB, ConnectionBluetooth, ConnectionPS2, ConnectionInternal:
		return true
	default:
		return false
	}
}

// connectionType classifies a device by bus, falling back to its phys path.
func connectionType(bus uint16, phys string) ConnectionType {
	switch bus {
	case busUSB:
		return ConnectionUSB
	case busBluetooth:
		return ConnectionBluetooth
	case busI8042:
		return ConnectionPS2
	case busHost, busRMI:
		return ConnectionInternal
	case busVirtual:
		return ConnectionVirtual
	}

	phys = strings.ToLower(phys)
	switch {
	case strings.HasPrefix(phys, "usb-"):
		return ConnectionUSB
	case strings.Contains(phys, "bluetooth"), strings.HasPrefix(phys, "bt-"):
		return ConnectionBluetooth
	case strings.HasPrefix(phys, "isa"), strings.Contains(phys, "i8042"), strings.Contains(phys, "serio"):
		return ConnectionPS2
	case phys == "", strings.HasPrefix(phys, "virtual"):
		return ConnectionVirtual
	}
	return ConnectionUnknown
}

// selectKeyboard returns the first device whose name contains match and
// that has an Enter key. Devices named exclude (our own virtual keyboard)
// are skipped.
func selectKeyboard(devices []DeviceInfo, match, exclude string) (DeviceInfo, error) {
	for _, d := range devices {
		if exclude != "" && d.Name == exclude {
			continue
		}
		if !d.HasEnter {
			continue
		}
		if strings.Contains(d.Name, match) {
			return d, nil
		}
	}
	if match == "" {
		return DeviceInfo{}, ErrNoDevice
	}
	return DeviceInfo{}, fmt.Errorf("%w: name contains %q", ErrNoDevice, match)
}

// Capabilities lists what a virtual keyboard must advertise to mirror a
// source device.
type Capabilities struct {
	Keys     []uint16
	ScanCode bool
}

func fallbackKeyName(code uint16) string {
	return fmt.Sprintf("KEY_%d", code)
}
