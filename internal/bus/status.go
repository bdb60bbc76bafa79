package bus

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// Status is the daemon state published over the bus.
type Status struct {
	Device      string
	DevicePath  string
	VirtualName string
	RunID       string
	ThresholdMs uint32
	Connected   bool
	Pending     uint32
	Passed      uint64
	Deferred    uint64
	Chatter     uint64
	Flushed     uint64
	EmitErrors  uint64
	Reconnects  uint64
	Uptime      time.Duration
}

// Map encodes the status as a{sv}.
func (s Status) Map() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Device":        dbus.MakeVariant(s.Device),
		"DevicePath":    dbus.MakeVariant(s.DevicePath),
		"VirtualName":   dbus.MakeVariant(s.VirtualName),
		"RunID":         dbus.MakeVariant(s.RunID),
		"ThresholdMs":   dbus.MakeVariant(s.ThresholdMs),
		"Connected":     dbus.MakeVariant(s.Connected),
		"Pending":       dbus.MakeVariant(s.Pending),
		"Passed":        dbus.MakeVariant(s.Passed),
		"Deferred":      dbus.MakeVariant(s.Deferred),
		"Chatter":       dbus.MakeVariant(s.Chatter),
		"Flushed":       dbus.MakeVariant(s.Flushed),
		"EmitErrors":    dbus.MakeVariant(s.EmitErrors),
		"Reconnects":    dbus.MakeVariant(s.Reconnects),
		"UptimeSeconds": dbus.MakeVariant(uint64(s.Uptime / time.Second)),
	}
}

// StatusFromMap decodes a{sv}. Missing keys are left zero; keys with the
// wrong type are an error.
func StatusFromMap(m map[string]dbus.Variant) (Status, error) {
	var (
		s      Status
		uptime uint64
	)
	fields := []struct {
		key string
		dst any
	}{
		{"Device", &s.Device},
		{"DevicePath", &s.DevicePath},
		{"VirtualName", &s.VirtualName},
		{"RunID", &s.RunID},
		{"ThresholdMs", &s.ThresholdMs},
		{"Connected", &s.Connected},
		{"Pending", &s.Pending},
		{"Passed", &s.Passed},
		{"Deferred", &s.Deferred},
		{"Chatter", &s.Chatter},
		{"Flushed", &s.Flushed},
		{"EmitErrors", &s.EmitErrors},
		{"Reconnects", &s.Reconnects},
		{"UptimeSeconds", &uptime},
	}
	for _, f := range fields {
		v, ok := m[f.key]
		if !ok {
			continue
		}
		if err := v.Store(f.dst); err != nil {
			return Status{}, fmt.Errorf("bus: status field %s: %w", f.key, err)
		}
	}
	s.Uptime = time.Duration(uptime) * time.Second
	return s, nil
}
