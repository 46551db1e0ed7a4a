package tem

import (
	"errors"
	"fmt"
)

var (
	// ErrCommunication matches every failed call to the instrument.
	ErrCommunication = errors.New("instrument communication failure")

	// ErrNotConnected is returned by calls made before Open or after Close.
	ErrNotConnected = errors.New("instrument not connected")

	// ErrUnknownDetector is returned for detector ids the instrument does not know.
	ErrUnknownDetector = errors.New("unknown detector")
)

// CallError records which instrument operation failed.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is makes every CallError match ErrCommunication.
func (e *CallError) Is(target error) bool {
	return target == ErrCommunication
}

func callErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CallError{Op: op, Err: err}
}
