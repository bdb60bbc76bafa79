package debounce

import (
	"errors"
	"fmt"
)

// ErrKeyOutOfRange is returned when an event carries a key code the press
// history cannot index. The device advertises more keys than the table was
// sized for, so the daemon must stop rather than pass that key unfiltered.
var ErrKeyOutOfRange = errors.New("key code out of range")

// ErrSourceExhausted is returned by Loop.Run when the input source ends.
var ErrSourceExhausted = errors.New("input source exhausted")

// EmitError reports a failed write to the sink. It is logged and counted by
// the loop, never returned from Run.
type EmitError struct {
	Events []Event
	Err    error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit %d event(s): %v", len(e.Events), e.Err)
}

func (e *EmitError) Unwrap() error {
	return e.Err
}

func keyRangeError(key KeyID) error {
	return fmt.Errorf("%w: code %d (capacity %d)", ErrKeyOutOfRange, key, HistoryCapacity)
}
