package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoReceiver is the transport condition "nothing in the target context
// acknowledged the message". Transports wrap it; only this condition
// triggers injection.
var ErrNoReceiver = errors.New("dispatch: no receiver")

// ErrUnknownMenuItem is returned by HandleMenu for unmapped item ids.
var ErrUnknownMenuItem = errors.New("dispatch: unknown menu item")

// UnsupportedTargetError is returned for targets whose scheme never hosts an
// agent (browser-internal pages).
type UnsupportedTargetError struct {
	URL    string
	Scheme string
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("dispatch: unsupported target %q (scheme %s)", e.URL, e.Scheme)
}

// DeliveryError is returned when the agent stayed unreachable.
type DeliveryError struct {
	TargetID string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("dispatch: delivery to %s failed after %d attempt(s): %v", e.TargetID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
