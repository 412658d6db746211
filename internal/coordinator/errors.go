package coordinator

import "errors"

// invalidSelectionError signals an unknown model name, an empty prompt or a
// malformed sampling config. It is returned before any state changes.
type invalidSelectionError struct {
	msg string
	err error
}

func (e invalidSelectionError) Error() string {
	if e.err != nil {
		return "invalid selection: " + e.msg + ": " + e.err.Error()
	}
	return "invalid selection: " + e.msg
}

func (e invalidSelectionError) Unwrap() error { return e.err }

// ErrInvalidSelection constructs an invalidSelectionError.
func ErrInvalidSelection(msg string, err error) error {
	return invalidSelectionError{msg: msg, err: err}
}

// IsInvalidSelection reports whether err was rejected as bad input.
func IsInvalidSelection(err error) bool {
	var e invalidSelectionError
	return errors.As(err, &e)
}

// ErrStreamFull aborts a generation whose consumer stopped draining events.
var ErrStreamFull = errors.New("event stream full")

// ErrClosed is returned by operations on a closed Coordinator.
var ErrClosed = errors.New("coordinator closed")
