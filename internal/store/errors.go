package store

import (
	"errors"
	"strconv"
)

// ErrNotFound is wrapped by PersistenceError when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// PersistenceError reports a failed storage operation.
type PersistenceError struct {
	Op        string
	SessionID int64 // zero when the operation is not about one session
	Err       error
}

func (e *PersistenceError) Error() string {
	msg := "store " + e.Op
	if e.SessionID != 0 {
		msg += " session " + strconv.FormatInt(e.SessionID, 10)
	}
	return msg + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is about a missing session.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPersistence reports whether err came from the store.
func IsPersistence(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}
