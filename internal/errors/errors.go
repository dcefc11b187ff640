package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// RaftError associates a formatted message with an underlying error
// whose stack has been captured.
type RaftError struct {
	Inner   error
	Message string
}

func New(text string) *RaftError {
	return &RaftError{Message: text}
}

// WrapError captures the stack of inner and attaches a formatted message to it.
// A nil inner error is permitted - the returned error then carries the message alone.
func WrapError(inner error, messagef string, messageArgs ...interface{}) *RaftError {
	return &RaftError{
		Inner:   errors.WithStack(inner),
		Message: fmt.Sprintf(messagef, messageArgs...),
	}
}

func (e *RaftError) Unwrap() error {
	return e.Inner
}

func (e *RaftError) Error() string {
	return e.Message
}
