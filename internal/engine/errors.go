package engine

import (
	"errors"
	"strconv"
)

// encodingError signals a tokenizer failure on the prompt.
type encodingError struct{ err error }

func (e encodingError) Error() string { return "encoding error: " + e.err.Error() }
func (e encodingError) Unwrap() error { return e.err }

// decodingError signals a tokenizer failure while turning ids back into text.
type decodingError struct{ err error }

func (e decodingError) Error() string { return "decoding error: " + e.err.Error() }
func (e decodingError) Unwrap() error { return e.err }

// inferenceError signals a numerical or shape failure in the forward pass.
// The model stays usable for the next call.
type inferenceError struct {
	step int
	err  error
}

func (e inferenceError) Error() string {
	if e.step >= 0 {
		return "inference error at step " + strconv.Itoa(e.step) + ": " + e.err.Error()
	}
	return "inference error: " + e.err.Error()
}
func (e inferenceError) Unwrap() error { return e.err }

// invalidConfigError signals a malformed sampling configuration.
type invalidConfigError struct {
	field string
	msg   string
}

func (e invalidConfigError) Error() string { return "invalid sampling config: " + e.field + " " + e.msg }

// ErrEncoding wraps err as an encoding failure.
func ErrEncoding(err error) error { return encodingError{err: err} }

// ErrDecoding wraps err as a decoding failure.
func ErrDecoding(err error) error { return decodingError{err: err} }

// ErrInference wraps err as an inference failure.
func ErrInference(err error) error { return inferenceError{step: -1, err: err} }

// IsEncoding reports whether err is a tokenizer encoding failure.
func IsEncoding(err error) bool {
	var e encodingError
	return errors.As(err, &e)
}

// IsDecoding reports whether err is a tokenizer decoding failure.
func IsDecoding(err error) bool {
	var e decodingError
	return errors.As(err, &e)
}

// IsInference reports whether err is a forward pass failure.
func IsInference(err error) bool {
	var e inferenceError
	return errors.As(err, &e)
}

// IsInvalidConfig reports whether err indicates a malformed SamplingConfig.
func IsInvalidConfig(err error) bool {
	var e invalidConfigError
	return errors.As(err, &e)
}
