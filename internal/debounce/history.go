package debounce

import "time"

// HistoryCapacity covers every key code evdev can report (KEY_MAX + 1).
const HistoryCapacity = 0x300

// PressHistory remembers when each key was last pressed.
type PressHistory struct {
	last [HistoryCapacity]time.Time
}

// NewPressHistory returns a history in which no key was ever pressed.
func NewPressHistory() *PressHistory {
	return &PressHistory{}
}

// RecordPress stores t as the last press time for key.
func (h *PressHistory) RecordPress(key KeyID, t time.Time) error {
	if !InRange(key) {
		return keyRangeError(key)
	}
	h.last[key] = t
	return nil
}

// LastPress returns the last press time for key, or the zero time if the
// key has never been pressed.
func (h *PressHistory) LastPress(key KeyID) (time.Time, error) {
	if !InRange(key) {
		return time.Time{}, keyRangeError(key)
	}
	return h.last[key], nil
}

// InRange reports whether key fits in a PressHistory.
func InRange(key KeyID) bool {
	return int(key) < HistoryCapacity
}

// CheckCapacity verifies that every code a device advertises fits in the
// press history.
func CheckCapacity(codes []uint16) error {
	for _, c := range codes {
		if !InRange(KeyID(c)) {
			return keyRangeError(KeyID(c))
		}
	}
	return nil
}
