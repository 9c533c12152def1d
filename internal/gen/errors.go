package gen

import (
	"errors"
	"fmt"
)

// Messages surfaced to callers when nothing more specific is available.
const (
	MsgTimeout      = "Timeout! All backends are occupied with other tasks."
	MsgNoImages     = "No images were generated (all refused, or failed)"
	MsgBackendFault = "Something went wrong while generating images."
)

// UserError is a readable, caller-facing failure. It is never retried.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// Refusef builds a UserError.
func Refusef(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// UserMessage returns the readable message carried by err, if any.
func UserMessage(err error) (string, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Message, true
	}
	return "", false
}
