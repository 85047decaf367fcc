package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/meshcal/internal/channel"
	"github.com/roach88/meshcal/internal/wire"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// SyncError is a non-fatal failure inside the sync engine. Transport errors
// reach the caller through Options.OnError; decode and channel-absent errors
// are only logged.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Op is the operation or action type involved.
	Op string

	// CalendarID identifies the affected calendar, if any.
	CalendarID string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeTransport indicates the node failed to start, join, or publish.
	ErrCodeTransport SyncErrorCode = "TRANSPORT"

	// ErrCodeEncode indicates an outbound envelope could not be encoded.
	ErrCodeEncode SyncErrorCode = "ENCODE"

	// ErrCodeDecode indicates inbound bytes could not be decoded.
	ErrCodeDecode SyncErrorCode = "DECODE"

	// ErrCodeChannelAbsent indicates an operation on a calendar with no channel.
	ErrCodeChannelAbsent SyncErrorCode = "CHANNEL_ABSENT"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.CalendarID != "" {
		msg += fmt.Sprintf(" (calendar=%s)", e.CalendarID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransportError returns true if the error is a transport failure.
func IsTransportError(err error) bool {
	return hasCode(err, ErrCodeTransport)
}

// IsDecodeError returns true for SyncErrors with ErrCodeDecode and for
// wire.DecodeError.
func IsDecodeError(err error) bool {
	return hasCode(err, ErrCodeDecode) || errors.Is(err, wire.ErrDecode)
}

// IsChannelAbsent returns true if the error reports a missing channel.
func IsChannelAbsent(err error) bool {
	return hasCode(err, ErrCodeChannelAbsent) || errors.Is(err, channel.ErrChannelAbsent)
}

func transportErr(op, calendarID string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransport, Op: op, CalendarID: calendarID, Err: err}
}
