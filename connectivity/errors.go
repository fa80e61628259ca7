package connectivity

import "fmt"

// ErrNotRegistered is returned when Call targets an id with no handler.
type ErrNotRegistered struct {
	ID string
}

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("connectivity: no handler registered for %s", e.ID)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
	Stack []byte
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
