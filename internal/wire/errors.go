package wire

import (
	"errors"
	"fmt"
)

// ErrDecode is matched by every DecodeError via errors.Is.
var ErrDecode = errors.New("decode failed")

// DecodeError reports malformed inbound bytes. The message is dropped; it
// never affects other messages or channels.
type DecodeError struct {
	Field string // envelope or event field being read, if known
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("decode envelope: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErr(field string, cause error) *DecodeError {
	return &DecodeError{Field: field, Cause: cause}
}
