package core

import (
	"errors"
	"fmt"
)

// Status is the result code carried across the control channel. Every
// non-success Status is also an error so it can be returned, wrapped and
// tested with errors.Is.
type Status uint32

// Status values. The numeric values are part of the wire format.
const (
	StatusSuccess          Status = 0
	StatusPending          Status = 1
	StatusNotFound         Status = 2
	StatusBufferTooSmall   Status = 3
	StatusMoreData         Status = 4
	StatusIntegerOverflow  Status = 5
	StatusNotSupported     Status = 6
	StatusAlreadyActive    Status = 7
	StatusTooManySessions  Status = 8
	StatusInvalidParameter Status = 9
	StatusNoMemory         Status = 10
	StatusFailure          Status = 11

	// StatusFallThrough is the sentinel a harness passes to CompleteRequest to
	// hand a pended request back to the driver's default processing.
	StatusFallThrough Status = 0xFFFF_FFFE
)

// Sentinel errors for the capture engine.
var (
	ErrNotFound         error = StatusNotFound
	ErrBufferTooSmall   error = StatusBufferTooSmall
	ErrMoreData         error = StatusMoreData
	ErrIntegerOverflow  error = StatusIntegerOverflow
	ErrNotSupported     error = StatusNotSupported
	ErrAlreadyActive    error = StatusAlreadyActive
	ErrTooManySessions  error = StatusTooManySessions
	ErrInvalidParameter error = StatusInvalidParameter
	ErrNoMemory         error = StatusNoMemory
)

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusPending:          "pending",
	StatusNotFound:         "not found",
	StatusBufferTooSmall:   "buffer too small",
	StatusMoreData:         "more data",
	StatusIntegerOverflow:  "integer overflow",
	StatusNotSupported:     "not supported",
	StatusAlreadyActive:    "already active",
	StatusTooManySessions:  "too many sessions",
	StatusInvalidParameter: "invalid parameter",
	StatusNoMemory:         "no memory",
	StatusFailure:          "failure",
	StatusFallThrough:      "fall through",
}

// String returns a human readable status name.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(0x%08x)", uint32(s))
}

// Error implements error.
func (s Status) Error() string { return s.String() }

// StatusOf maps an error onto the wire status that represents it.
// nil maps to StatusSuccess and unknown errors to StatusFailure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusFailure
}

// ErrorOf is the inverse of StatusOf. StatusSuccess maps to nil.
func ErrorOf(s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return s
}

// SizeError reports the exact size a retrieval needed. It wraps either
// ErrMoreData (probe mode) or ErrBufferTooSmall.
type SizeError struct {
	Required int
	Err      error
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%v: %d bytes required", e.Err, e.Required)
}

func (e *SizeError) Unwrap() error { return e.Err }

// RequiredSize extracts the size carried by a SizeError, if any.
func RequiredSize(err error) (int, bool) {
	var se *SizeError
	if errors.As(err, &se) {
		return se.Required, true
	}
	return 0, false
}
