package ipc

import (
	"errors"
	"fmt"
)

var ErrNoParent = errors.New("process was not started with an ipc channel")

type MalformedMessageError struct {
	Line string
	Err  error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed ipc message %q: %v", e.Line, e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}
